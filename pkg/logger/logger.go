package logger

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Can be one of:
//   - Prod
//   - Dev
//   - Staging
type Enviroment int

const (
	_ Enviroment = iota
	Prod
	Dev
	Staging
)

func (e Enviroment) String() string {
	switch e {
	case Prod:
		return "prod"
	case Dev:
		return "dev"
	case Staging:
		return "staging"
	default:
		return "unknown"
	}
}

// ParseEnviroment converts its textual form into an Enviroment.
func ParseEnviroment(s string) (Enviroment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prod", "production":
		return Prod, nil
	case "dev", "development":
		return Dev, nil
	case "staging":
		return Staging, nil
	default:
		return 0, fmt.Errorf("logger: unknown environment %q", s)
	}
}

// UnmarshalYAML lets configuration files spell the environment out.
func (e *Enviroment) UnmarshalYAML(b []byte) error {
	env, err := ParseEnviroment(strings.Trim(string(b), "\"' \n"))
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// NewLogger creates new slog.Logger and return pointer to it
func NewLogger(env Enviroment, addSource bool) *slog.Logger {
	var level slog.Level

	switch env {
	case Prod, Staging:
		level = slog.LevelInfo
	case Dev:
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	})
	return slog.New(h)
}

// NewTestLogger returns a text logger writing into the returned buffer.
func NewTestLogger() (*bytes.Buffer, *slog.Logger) {
	b := new(bytes.Buffer)
	h := slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b, slog.New(h)
}

func ErrAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}
