package cli

import (
	"fmt"
	"io"
	"os"

	"sigs.k8s.io/yaml"
)

func (r *Root) configShow(out io.Writer) error {
	cfgPath := os.Getenv("TESSERA_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/tessera/config.yaml"
	}
	data, err := yaml.Marshal(r.cfg)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	fmt.Fprintf(out, "# config file: %s\n", cfgPath)
	_, err = out.Write(data)
	return err
}

func (r *Root) configValidate(out io.Writer) error {
	if err := r.cfg.Validate(); err != nil {
		r.log.Error("configuration validation", "status", "invalid", "error", err)
		return err
	}
	r.log.Info("configuration validation", "status", "valid")
	fmt.Fprintln(out, "configuration is valid")
	return nil
}
