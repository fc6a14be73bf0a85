// Package manager is the composition root: it builds the registry, event
// bus, download pipeline, extractor, one supervisor per backend and the
// gateway clients, and exposes the operations the HTTP API and CLI call.
// It is structured into small files by concern:
//
//   - manager.go: Options, Manager, New, Close, event subscription.
//   - options.go: FromConfig maps the file configuration onto Options.
//   - download.go: DownloadModel/CancelDownload and download sessions.
//   - backends.go: Start/Stop of backends, Inference and Transcribe.
//   - models.go: ListModels, DeleteModel, DeleteAll, InitializeAtStartup.
//   - status.go: Status and Diagnostics reporting.
//
// There are no package-level singletons; every Manager owns its services.
package manager
