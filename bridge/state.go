package bridge

import (
	"strings"

	"go.uber.org/zap"

	nativebridge "github.com/wippyai/native-bridge"
	"github.com/wippyai/native-bridge/errors"
)

type symbolKey struct {
	lib    string
	symbol string
}

// library resolves a library spec, trying each comma-separated
// alternative name in order. Platforms ship the same library under
// different sonames; the first that loads wins and is cached under the
// full spec. Loop goroutine only.
func (b *Bridge) library(spec string) (nativebridge.Library, error) {
	if lib, ok := b.libs[spec]; ok {
		return lib, nil
	}

	var attempts []errors.LoadAttempt
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		lib, err := b.backend.Open(b.ctx, name)
		if err == nil {
			nativebridge.Logger().Debug("library loaded",
				zap.String("spec", spec), zap.String("name", name))
			b.libs[spec] = lib
			return lib, nil
		}
		attempts = append(attempts, errors.LoadAttempt{Name: name, Cause: err})
	}
	return nil, errors.NewLoadError(attempts)
}

// symbol resolves a function, caching the resolution per library spec
// and symbol name. Loop goroutine only.
func (b *Bridge) symbol(libSpec, name string) (nativebridge.Function, error) {
	key := symbolKey{lib: libSpec, symbol: name}
	if fn, ok := b.symbols[key]; ok {
		return fn, nil
	}
	lib, err := b.library(libSpec)
	if err != nil {
		return nil, err
	}
	fn, err := lib.Symbol(name)
	if err != nil {
		return nil, err
	}
	b.symbols[key] = fn
	return fn, nil
}
