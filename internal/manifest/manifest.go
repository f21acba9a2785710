// Package manifest loads the precache manifest that defines an agent
// generation. TOML and YAML files are accepted:
//
//	version = "2024-06-01"
//	assets = ["/", "/index.html", "/app.js"]
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/briangreenhill/evagent/agent"
)

type file struct {
	Version string   `toml:"version" yaml:"version"`
	Assets  []string `toml:"assets" yaml:"assets"`
}

// Load reads the manifest at path, choosing the decoder by extension
func Load(path string) (agent.Script, error) {
	var raw file
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return agent.Script{}, fmt.Errorf("decode manifest %s: %w", path, err)
		}
		if !meta.IsDefined("version") {
			return agent.Script{}, fmt.Errorf("manifest %s: version is required", path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return agent.Script{}, fmt.Errorf("manifest %s: unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return agent.Script{}, fmt.Errorf("read manifest %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return agent.Script{}, fmt.Errorf("decode manifest %s: %w", path, err)
		}
	default:
		return agent.Script{}, fmt.Errorf("manifest %s: unsupported format %q", path, ext)
	}
	return build(path, raw)
}

func build(path string, raw file) (agent.Script, error) {
	script := agent.Script{Version: strings.TrimSpace(raw.Version)}
	for _, a := range raw.Assets {
		if a = strings.TrimSpace(a); a != "" {
			script.Manifest = append(script.Manifest, a)
		}
	}
	if err := agent.ValidateScript(script); err != nil {
		return agent.Script{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return script, nil
}
