package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Persist rewrites the permissions lists inside the YAML config document so a
// remembered decision survives restart. Only exact capabilities are stored.
func Persist(path, capability string, decision Decision) error {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse config for permission persist: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read config: %w", err)
	}

	perms, _ := doc["permissions"].(map[string]any)
	if perms == nil {
		perms = map[string]any{}
		doc["permissions"] = perms
	}

	strip := func(key string) []any {
		raw, _ := perms[key].([]any)
		out := make([]any, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s == capability {
				continue
			}
			out = append(out, v)
		}
		return out
	}
	allow, ask, deny := strip("allow"), strip("ask"), strip("deny")
	switch decision {
	case Allow:
		allow = append(allow, capability)
	case Deny:
		deny = append(deny, capability)
	default:
		ask = append(ask, capability)
	}
	perms["allow"] = allow
	perms["ask"] = ask
	perms["deny"] = deny

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
