package main

// General API documentation for swaggo. Run `swag init -g cmd/miad/docs.go`
// and build with -tags swagger to serve /swagger/.
//
// @title           MIA runtime API
// @version         1.0
// @description     Local LLM gateway: model introspection and streamed Harmony generation over SSE.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
