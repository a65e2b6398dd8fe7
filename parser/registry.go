package parser

import "fmt"

type LlamaParseConfig struct {
	APIKey  string
	BaseURL string
}

type Registry struct {
	parsers    map[string]Parser
	llamaParse *LlamaParseConfig
}

func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	// Register built-in parsers
	docx := &DOCXParser{}
	xlsx := &XLSXParser{}
	pptx := &PPTXParser{}

	for _, p := range []Parser{docx, xlsx, pptx} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}

	// Legacy binary formats (old .doc/.ppt) have no native parser here; route
	// them to LegacyParser, which errors unless SetLlamaParse configures a
	// richer fallback. Does not touch "xls", already handled by XLSXParser.
	legacy := &LegacyParser{}
	for _, f := range legacy.SupportedFormats() {
		if _, taken := r.parsers[f]; !taken {
			r.parsers[f] = legacy
		}
	}
	return r
}

func (r *Registry) SetLlamaParse(cfg LlamaParseConfig) {
	r.llamaParse = &cfg
	lp := &LlamaParseParser{cfg: cfg}
	// Register every format LlamaParse supports, legacy and modern
	for _, f := range lp.SupportedFormats() {
		r.parsers[f] = lp
	}
}

func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("no parser for format: %s", format)
	}
	return p, nil
}

func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}
