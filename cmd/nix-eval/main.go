package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/nix-runtime/engine"
	"github.com/wippyai/nix-runtime/eval"
	"github.com/wippyai/nix-runtime/store"
)

func main() {
	var (
		libPath     = flag.String("lib", "", "Path to the evaluator shared library (e.g. libnixexpr.so)")
		gcPath      = flag.String("gc-lib", "", "Path to the collector library when separate (e.g. libgc.so.1)")
		wasmFile    = flag.String("wasm", "", "Path to a wasm evaluator build instead of a native library")
		configFile  = flag.String("config", "", "YAML config file (flags override it)")
		storeURI    = flag.String("store", "", "Store URI (default \"auto\")")
		searchPath  = flag.String("search-path", "", "Expression search path entries (comma-separated)")
		expr        = flag.String("expr", "", "Expression to evaluate")
		exprFile    = flag.String("file", "", "File with the expression to evaluate")
		label       = flag.String("label", "<string>", "Source label shown in diagnostics")
		listKinds   = flag.Bool("list-kinds", false, "List value kinds and exit")
		showVersion = flag.Bool("version", false, "Print the evaluator version and exit")
		interactive = flag.Bool("i", false, "Interactive REPL")
		verbose     = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	if *listKinds {
		printKinds()
		return
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.apply(*libPath, *gcPath, *wasmFile, *storeURI, *searchPath)

	if *verbose || cfg.LogLevel == "debug" {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()
		engine.SetLogger(logger)
	}

	if cfg.Library == "" && cfg.Module == "" {
		fmt.Fprintln(os.Stderr, "Usage: nix-eval -lib <libnixexpr.so> -expr <expression>")
		fmt.Fprintln(os.Stderr, "       nix-eval -wasm <evaluator.wasm> -expr <expression>")
		fmt.Fprintln(os.Stderr, "       nix-eval -lib <libnixexpr.so> -i  (interactive mode)")
		os.Exit(1)
	}

	eng, err := loadEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close(context.Background())

	if *showVersion {
		fmt.Println(eng.Version())
		return
	}

	if *interactive {
		if err := runInteractive(eng, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	text := *expr
	if text == "" && *exprFile != "" {
		data, err := os.ReadFile(*exprFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: read file: %v\n", err)
			os.Exit(1)
		}
		text = string(data)
	}
	if text == "" {
		fmt.Fprintln(os.Stderr, "Error: nothing to evaluate; use -expr or -file")
		os.Exit(1)
	}

	if err := run(eng, cfg, text, *label); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadEngine(cfg *config) (*engine.Engine, error) {
	if cfg.Module != "" {
		data, err := os.ReadFile(cfg.Module)
		if err != nil {
			return nil, fmt.Errorf("read module: %w", err)
		}
		return engine.LoadModule(context.Background(), data, nil)
	}
	return engine.OpenLibrary(engine.LibraryConfig{
		Path:   cfg.Library,
		GCPath: cfg.GCLibrary,
	})
}

func run(eng *engine.Engine, cfg *config, text, label string) error {
	st, err := store.Open(eng, cfg.StoreURI)
	if err != nil {
		return err
	}
	defer st.Close()

	out, err := engine.WithRegisteredThread(eng, func() result {
		es, err := eval.NewWithConfig(st, &eval.Config{SearchPath: cfg.SearchPath})
		if err != nil {
			return result{err: err}
		}
		defer es.Close()

		v, err := es.EvalFromString(text, label)
		if err != nil {
			return result{err: err}
		}
		defer v.Close()

		rendered, err := renderValue(es, v)
		return result{text: rendered, err: err}
	})
	if err != nil {
		return err
	}
	if out.err != nil {
		return out.err
	}

	fmt.Println(out.text)
	return nil
}

type result struct {
	text string
	err  error
}

// renderValue forces v and renders it by kind. Compound values render
// as a summary; the layer extracts sizes but not elements.
func renderValue(es *eval.EvalState, v *eval.Value) (string, error) {
	k, err := es.Kind(v)
	if err != nil {
		return "", err
	}

	switch k {
	case eval.Integer:
		n, err := es.RequireInt(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", n), nil
	case eval.Float:
		f, err := es.RequireFloat(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%g", f), nil
	case eval.Bool:
		b, err := es.RequireBool(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%t", b), nil
	case eval.String:
		s, err := es.RequireString(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%q", s), nil
	case eval.Path:
		p, err := es.RequirePath(v)
		if err != nil {
			return "", err
		}
		return p, nil
	case eval.Null:
		return "null", nil
	case eval.List:
		n, err := es.ListLen(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("[ %d elements ]", n), nil
	case eval.AttrSet:
		n, err := es.AttrCount(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("{ %d attributes }", n), nil
	default:
		return "<" + strings.ToLower(k.String()) + ">", nil
	}
}

func printKinds() {
	kinds := []eval.Kind{
		eval.Integer, eval.Float, eval.Bool, eval.String, eval.Path,
		eval.Null, eval.AttrSet, eval.List, eval.Function, eval.External,
	}
	for _, k := range kinds {
		fmt.Println(k)
	}
}
