package news

import (
	"errors"

	"github.com/waterflow/waterflow/news/internal/aiclient"
)

// ErrQuotaExhausted is returned when the daily result quota is used up.
// The message is surfaced verbatim to API clients.
var ErrQuotaExhausted = errors.New("每日搜索限额已用完（50条），请明天再试")

// ErrInvalidInput is returned when request input fails validation.
var ErrInvalidInput = errors.New("news: invalid input")

// ErrUnauthorized is returned for missing or bad credentials.
var ErrUnauthorized = errors.New("news: unauthorized")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("news: not found")

// ErrAIService marks upstream LLM failures; re-exported so HTTP handlers can
// map it to 503 without importing the internal package.
var ErrAIService = aiclient.ErrAIService
