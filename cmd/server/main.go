package main

import (
	"go.uber.org/fx"

	"github.com/hsn0918/edakb/internal/server"
)

func main() {
	fx.New(server.Module).Run()
}
