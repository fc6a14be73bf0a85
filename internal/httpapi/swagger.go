//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"modelkeeper/internal/httpapi/docs"
)

// MountSwagger serves the swagger UI at /swagger/ and the document at
// /swagger/doc.json.
func MountSwagger(r chi.Router) {
	_ = docs.SwaggerInfo
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
