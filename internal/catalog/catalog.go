// Package catalog answers which benchmarks and models a run may reference.
// Benchmarks are discovered with `bench list` and cached for a while; the
// embedded static catalog is used whenever discovery is off or fails.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/eval-hub/bench-runner/internal/config"
	"github.com/eval-hub/bench-runner/pkg/api"
	lru "github.com/hashicorp/golang-lru"
	"gopkg.in/yaml.v3"
)

const (
	SourceStatic     = "static"
	SourceDiscovered = "discovered"

	defaultCategory  = "general"
	detailsCacheSize = 256
)

//go:embed benchmarks.yaml
var staticCatalog []byte

// StaticBenchmarks returns the embedded catalog.
func StaticBenchmarks() ([]api.Benchmark, error) {
	var benchmarks []api.Benchmark
	if err := yaml.Unmarshal(staticCatalog, &benchmarks); err != nil {
		return nil, err
	}
	return benchmarks, nil
}

type Catalog struct {
	logger    *slog.Logger
	conf      config.CatalogConfig
	argv      []string
	static    []api.Benchmark
	providers map[string]bool
	models    map[string]bool
	now       func() time.Time

	mu      sync.Mutex
	cached  []api.Benchmark
	source  string
	expires time.Time
	details *lru.Cache
}

// New builds a catalog. argv is the bench invocation prefix used for
// discovery; with an empty argv only the static catalog is served.
func New(logger *slog.Logger, conf *config.CatalogConfig, argv []string) (*Catalog, error) {
	static, err := StaticBenchmarks()
	if err != nil {
		return nil, err
	}
	details, err := lru.New(detailsCacheSize)
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		logger:    logger,
		argv:      argv,
		static:    static,
		providers: map[string]bool{},
		models:    map[string]bool{},
		now:       time.Now,
		details:   details,
	}
	if conf != nil {
		c.conf = *conf
	}
	for _, p := range c.conf.ModelProviders {
		c.providers[strings.ToLower(p)] = true
	}
	for _, m := range c.conf.Models {
		c.models[m] = true
	}
	return c, nil
}

func (c *Catalog) discoveryEnabled() bool {
	return c.conf.Discovery && len(c.argv) > 0
}

// ListBenchmarks returns the benchmarks and where they came from.
func (c *Catalog) ListBenchmarks(ctx context.Context) ([]api.Benchmark, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && c.now().Before(c.expires) {
		return c.cached, c.source
	}

	benchmarks, source := c.static, SourceStatic
	if c.discoveryEnabled() {
		discovered, err := c.discover(ctx)
		switch {
		case err != nil:
			c.logger.Warn("Benchmark discovery failed, using the static catalog", "error", err.Error())
		case len(discovered) == 0:
			c.logger.Warn("Benchmark discovery returned nothing, using the static catalog")
		default:
			benchmarks, source = discovered, SourceDiscovered
		}
	}

	c.cached = benchmarks
	c.source = source
	c.expires = c.now().Add(c.conf.CacheTTL)
	for _, b := range benchmarks {
		c.details.Add(b.Name, b)
	}
	return benchmarks, source
}

// GetBenchmark looks a benchmark up in the cache, then the listing, and
// finally asks bench to describe it.
func (c *Catalog) GetBenchmark(ctx context.Context, name string) (*api.Benchmark, bool) {
	if b, ok := c.details.Get(name); ok {
		benchmark := b.(api.Benchmark)
		return &benchmark, true
	}
	benchmarks, _ := c.ListBenchmarks(ctx)
	for i := range benchmarks {
		if benchmarks[i].Name == name {
			benchmark := benchmarks[i]
			return &benchmark, true
		}
	}
	if !c.discoveryEnabled() {
		return nil, false
	}
	benchmark, err := c.describe(ctx, name)
	if err != nil {
		c.logger.Debug("Benchmark describe failed", "benchmark", name, "error", err.Error())
		return nil, false
	}
	c.details.Add(name, *benchmark)
	return benchmark, true
}

func (c *Catalog) HasBenchmark(ctx context.Context, name string) bool {
	_, ok := c.GetBenchmark(ctx, name)
	return ok
}

// HasModel accepts a configured model, or provider/name for a known provider.
// With neither models nor providers configured any model is accepted.
func (c *Catalog) HasModel(_ context.Context, model string) bool {
	if model == "" {
		return false
	}
	if c.models[model] {
		return true
	}
	if len(c.models) == 0 && len(c.providers) == 0 {
		return true
	}
	provider, name, found := strings.Cut(model, "/")
	return found && name != "" && c.providers[strings.ToLower(provider)]
}

// Clear drops all cached entries.
func (c *Catalog) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
	c.details.Purge()
}

func (c *Catalog) run(ctx context.Context, args ...string) ([]byte, error) {
	if c.conf.DiscoveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.conf.DiscoveryTimeout)
		defer cancel()
	}
	argv := append(append([]string{}, c.argv...), args...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (c *Catalog) discover(ctx context.Context) ([]api.Benchmark, error) {
	out, err := c.run(ctx, "list")
	if err != nil {
		return nil, err
	}
	return ParseList(out), nil
}

func (c *Catalog) describe(ctx context.Context, name string) (*api.Benchmark, error) {
	out, err := c.run(ctx, "describe", name)
	if err != nil {
		return nil, err
	}
	return ParseDescribe(name, out), nil
}

// ParseList reads `bench list` output, either a JSON array of names or
// objects, or one "- name: description" per line.
func ParseList(out []byte) []api.Benchmark {
	if parsed, err := gabs.ParseJSON(out); err == nil {
		if items, ok := parsed.Data().([]any); ok {
			benchmarks := make([]api.Benchmark, 0, len(items))
			for _, item := range parsed.Children() {
				if name, ok := item.Data().(string); ok {
					benchmarks = append(benchmarks, api.Benchmark{Name: name, Category: defaultCategory, Tags: []string{}})
					continue
				}
				if b := fromJSON(item, ""); b.Name != "" {
					benchmarks = append(benchmarks, b)
				}
			}
			return benchmarks
		}
	}

	var benchmarks []api.Benchmark
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "- ")
		name, description, _ := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		benchmarks = append(benchmarks, api.Benchmark{
			Name:             name,
			Category:         defaultCategory,
			DescriptionShort: strings.TrimSpace(description),
			Tags:             []string{},
		})
	}
	return benchmarks
}

// ParseDescribe reads `bench describe` output. Plain text becomes the
// description.
func ParseDescribe(name string, out []byte) *api.Benchmark {
	if parsed, err := gabs.ParseJSON(out); err == nil {
		if _, ok := parsed.Data().(map[string]any); ok {
			b := fromJSON(parsed, name)
			return &b
		}
	}
	text := strings.TrimSpace(string(out))
	short := text
	if len(short) > 200 {
		short = short[:200]
	}
	return &api.Benchmark{Name: name, Category: defaultCategory, DescriptionShort: short, Description: text, Tags: []string{}}
}

func fromJSON(item *gabs.Container, name string) api.Benchmark {
	b := api.Benchmark{Name: name, Category: defaultCategory, Tags: []string{}}
	if v, ok := item.Path("name").Data().(string); ok && v != "" {
		b.Name = v
	}
	if v, ok := item.Path("category").Data().(string); ok && v != "" {
		b.Category = v
	}
	if v, ok := item.Path("description_short").Data().(string); ok {
		b.DescriptionShort = v
	}
	if v, ok := item.Path("description").Data().(string); ok {
		b.Description = v
		if b.DescriptionShort == "" {
			b.DescriptionShort = v
		}
	}
	for _, tag := range item.Path("tags").Children() {
		if v, ok := tag.Data().(string); ok {
			b.Tags = append(b.Tags, v)
		}
	}
	return b
}
