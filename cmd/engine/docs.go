package main

//go:generate swag init -g cmd/engine/main.go -o docs

// @title           Flowmint Payment Engine API
// @version         0.1.0
// @description     Split-tender invoices, leg execution and settlement attestations.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
