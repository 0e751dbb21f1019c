package main

// General API documentation for swaggo. Run `swag init -g cmd/memoaid/docs.go -o docs` to regenerate.
//
// @title           memoaid API
// @version         1.0
// @description     HTTP API for the local assistant: model lifecycle, chat with tool use, prompts and history.
//
// @contact.name   memoaid maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
