package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// Loader resolves plugin binaries into Plugin implementations.
type Loader interface {
	Load(path string) (Plugin, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (Plugin, error)

// Load implements Loader.
func (f LoaderFunc) Load(path string) (Plugin, error) { return f(path) }

// symbolNames are looked up in order; the first one present wins.
var symbolNames = []string{"Plugin", "New"}

// GoPluginLoader opens shared objects built with -buildmode=plugin.
type GoPluginLoader struct{}

// Load opens the shared object and resolves an exported `Plugin` variable or
// a `New` constructor.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	for _, name := range symbolNames {
		symbol, err := so.Lookup(name)
		if err != nil {
			continue
		}
		p, err := fromSymbol(symbol)
		if err != nil {
			return nil, fmt.Errorf("%s in %s: %w", name, path, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%s exports neither Plugin nor New", path)
}

func fromSymbol(symbol goplugin.Symbol) (Plugin, error) {
	switch p := symbol.(type) {
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case Plugin:
		return p, nil
	case func() Plugin:
		return p(), nil
	case *func() Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("constructor symbol is nil")
		}
		return (*p)(), nil
	default:
		return nil, fmt.Errorf("symbol of type %T does not implement plugin.Plugin", symbol)
	}
}
