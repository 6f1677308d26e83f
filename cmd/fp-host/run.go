package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/woxQAQ/fp-provider-runtime/internal/config"
	"github.com/woxQAQ/fp-provider-runtime/internal/hostfuncs"
	"github.com/woxQAQ/fp-provider-runtime/internal/provider"
	"github.com/woxQAQ/fp-provider-runtime/internal/wasm"
	"github.com/woxQAQ/fp-provider-runtime/pkg/protocol"
)

// formMimeType is the encoding of query data sent to invoke2.
const formMimeType = "application/x-www-form-urlencoded"

type options struct {
	Provider         string
	Op               string
	ProviderConfig   string
	QueryType        string
	QueryData        string
	ResponseFile     string
	ResponseMimeType string
	MimeType         string
	Query            string
}

// run loads the selected provider, performs opts.Op and writes the result to
// out as YAML.
func run(ctx context.Context, cfg *config.Config, opts options, logger *zap.Logger, out io.Writer) (err error) {
	runtime, err := wasm.NewRuntime(ctx, logger, cfg.Runtime())
	if err != nil {
		return err
	}
	host := hostfuncs.New(logger, hostfuncs.NewHTTPClient(cfg.HTTPClient(), logger))
	manager := provider.NewManager(cfg, runtime, host, logger)
	defer func() {
		err = multierr.Append(err, manager.Shutdown(context.WithoutCancel(ctx)))
	}()

	p, err := resolveProvider(ctx, manager, opts.Provider)
	if err != nil {
		return err
	}
	if opts.Op == "capabilities" {
		return writeYAML(out, describe(p))
	}

	inst, err := manager.Instantiate(ctx, p.Name())
	if err != nil {
		return err
	}
	result, err := execute(ctx, inst, opts)
	if err != nil {
		return err
	}
	return writeYAML(out, result)
}

// resolveProvider loads ref as a provider directory when it holds a
// manifest, and looks it up by name among the configured paths otherwise.
func resolveProvider(ctx context.Context, manager *provider.Manager, ref string) (*provider.Provider, error) {
	if ref == "" {
		return nil, errors.New("--provider is required")
	}
	if _, err := os.Stat(filepath.Join(ref, provider.ManifestFile)); err == nil {
		return manager.LoadProvider(ctx, ref)
	}
	if err := manager.LoadAll(ctx); err != nil {
		return nil, err
	}
	return manager.GetProvider(ref)
}

func execute(ctx context.Context, inst *wasm.Instance, opts options) (any, error) {
	switch opts.Op {
	case "invoke2":
		cfg, err := providerConfig(opts.ProviderConfig)
		if err != nil {
			return nil, err
		}
		res, err := inst.Invoke2(ctx, protocol.ProviderRequest{
			QueryType: opts.QueryType,
			QueryData: protocol.Blob{Data: []byte(opts.QueryData), MimeType: formMimeType},
			Config:    cfg,
		})
		if err != nil {
			return nil, err
		}
		return viewResult(res, func(b protocol.Blob) any { return viewBlob(b) }), nil

	case "query-types":
		cfg, err := providerConfig(opts.ProviderConfig)
		if err != nil {
			return nil, err
		}
		return inst.GetSupportedQueryTypes(ctx, cfg)

	case "config-schema":
		return inst.GetConfigSchema(ctx)

	case "create-cells":
		blob, err := readResponse(opts)
		if err != nil {
			return nil, err
		}
		res, err := inst.CreateCells(ctx, opts.QueryType, blob)
		if err != nil {
			return nil, err
		}
		return viewResult(res, func(cells []protocol.Cell) any { return cells }), nil

	case "extract-data":
		blob, err := readResponse(opts)
		if err != nil {
			return nil, err
		}
		var query *string
		if opts.Query != "" {
			query = &opts.Query
		}
		res, err := inst.ExtractData(ctx, blob, opts.MimeType, query)
		if err != nil {
			return nil, err
		}
		return viewResult(res, func(b protocol.Blob) any { return viewBlob(b) }), nil

	default:
		return nil, fmt.Errorf("unknown operation %q", opts.Op)
	}
}

func providerConfig(raw string) (protocol.ProviderConfig, error) {
	cfg := protocol.ProviderConfig{}
	if raw == "" {
		return cfg, nil
	}
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("invalid --provider-config: %w", err)
	}
	return cfg, nil
}

func readResponse(opts options) (protocol.Blob, error) {
	if opts.ResponseFile == "" {
		return protocol.Blob{}, errors.New("--response-file is required")
	}
	data, err := os.ReadFile(opts.ResponseFile)
	if err != nil {
		return protocol.Blob{}, err
	}
	return protocol.Blob{Data: data, MimeType: opts.ResponseMimeType}, nil
}

type capabilitiesView struct {
	Name       string          `yaml:"name"`
	Version    string          `yaml:"version"`
	Generation string          `yaml:"generation"`
	Operations []operationView `yaml:"operations"`
}

type operationView struct {
	Name     string `yaml:"name"`
	Symbol   string `yaml:"symbol"`
	Async    bool   `yaml:"async"`
	Raw      bool   `yaml:"raw"`
	Fallback bool   `yaml:"fallback,omitempty"`
}

func describe(p *provider.Provider) capabilitiesView {
	caps := p.Capabilities()
	view := capabilitiesView{
		Name:       p.Name(),
		Version:    p.Version(),
		Generation: caps.Generation.String(),
		Operations: []operationView{},
	}
	for _, op := range caps.Operations() {
		d, _ := caps.Lookup(op)
		view.Operations = append(view.Operations, operationView{
			Name:     string(op),
			Symbol:   d.Symbol,
			Async:    d.Async,
			Raw:      d.Raw(),
			Fallback: d.Fallback,
		})
	}
	return view
}

type blobView struct {
	MimeType string `yaml:"mime_type"`
	Encoding string `yaml:"encoding,omitempty"`
	Data     string `yaml:"data"`
}

func viewBlob(b protocol.Blob) blobView {
	if utf8.Valid(b.Data) {
		return blobView{MimeType: b.MimeType, Data: string(b.Data)}
	}
	return blobView{MimeType: b.MimeType, Encoding: "base64", Data: base64.StdEncoding.EncodeToString(b.Data)}
}

type resultView struct {
	Ok    any        `yaml:"ok,omitempty"`
	Error *errorView `yaml:"error,omitempty"`
}

type errorView struct {
	Type    string `yaml:"type"`
	Message string `yaml:"message"`
}

func viewResult[T any](res protocol.Result[T, protocol.Error], view func(T) any) resultView {
	if res.Err != nil {
		return resultView{Error: &errorView{Type: string(res.Err.Type), Message: res.Err.Error()}}
	}
	v, _ := res.Get()
	return resultView{Ok: view(v)}
}

func writeYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
