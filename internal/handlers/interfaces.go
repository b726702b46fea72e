package handlers

import (
	"context"

	"github.com/chatexport/backend/internal/export"
)

// HandshakeService captures the sign-in operations required by the auth
// handlers. Every method takes the raw signed payload from the web client.
type HandshakeService interface {
	RequestCode(ctx context.Context, rawInitData, phone string) error
	ConfirmCode(ctx context.Context, rawInitData, code string) (needPassword bool, err error)
	ConfirmPassword(ctx context.Context, rawInitData, password string) error
	Cancel(ctx context.Context, rawInitData string) error
	Logout(ctx context.Context, rawInitData string) error
	Status(ctx context.Context, rawInitData string) (bool, error)
}

// Exporter runs one export and reports what it produced.
type Exporter interface {
	Run(ctx context.Context, req export.Request) (export.Result, error)
}
