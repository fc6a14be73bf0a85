package main

// General API documentation for swaggo. Regenerate with:
//
//	swag init -g cmd/modelkeeper/docs.go -d ./,./internal/httpapi -o internal/httpapi/docs
//
// @title           modelkeeper API
// @version         1.0
// @description     Loopback API for on-device model downloads, backend supervision, inference and transcription.
//
// @contact.name   modelkeeper maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
