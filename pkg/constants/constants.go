package constants

import (
	"github.com/go-playground/validator/v10"
)

type ContextKey string

const (
	TxKey        ContextKey = "tx"
	PoolKey      ContextKey = "pool"
	UserKey      ContextKey = "user"
	LoggerKey    ContextKey = "logger"
	RequestStart ContextKey = "requestStart"
	AppKey       ContextKey = "app"
)

var Validate = validator.New(validator.WithRequiredStructEnabled())
