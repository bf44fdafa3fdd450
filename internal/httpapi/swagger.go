//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// openAPITemplate is a hand-maintained index of the routes; handler godoc
// annotations carry the details for swag init.
const openAPITemplate = `{
  "swagger": "2.0",
  "info": {"title": "{{.Title}}", "version": "{{.Version}}", "description": "{{escape .Description}}"},
  "basePath": "{{.BasePath}}",
  "paths": {
    "/health": {"get": {"tags": ["ops"], "summary": "Liveness probe", "responses": {"200": {"description": "ok"}}}},
    "/config": {"get": {"tags": ["ops"], "summary": "UI-facing runtime configuration", "responses": {"200": {"description": "ok"}}}},
    "/status": {"get": {"tags": ["ops"], "summary": "Provider cache and queue state", "responses": {"200": {"description": "ok"}}}},
    "/presets": {"get": {"tags": ["models"], "summary": "Configured reasoning presets", "responses": {"200": {"description": "ok"}}}},
    "/models": {"get": {"tags": ["models"], "summary": "List user-facing models", "responses": {"200": {"description": "ok"}}}},
    "/generate": {"post": {"tags": ["generate"], "summary": "Stream a generation", "produces": ["text/event-stream"], "responses": {"200": {"description": "SSE stream"}}}},
    "/generate/abort": {"post": {"tags": ["generate"], "summary": "Abort a running generation", "responses": {"200": {"description": "ok"}}}}
  }
}`

var swaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Title:            "MIA API",
	Description:      "Local LLM inference gateway with Harmony reasoning split and SSE streaming.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  openAPITemplate,
}

func init() {
	swag.Register(swaggerInfo.InstanceName(), swaggerInfo)
}

// MountSwagger serves the Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
