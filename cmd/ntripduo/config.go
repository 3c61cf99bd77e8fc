package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ntripduo/ntripduo/internal/config"
	"github.com/ntripduo/ntripduo/internal/config/store"
)

const storeTimeout = 5 * time.Second

const secretMask = "****"

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:           "config",
		Short:         "Configuration management commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configGetCmd := &cobra.Command{
		Use:           "get [key...]",
		Short:         "Show configuration values (all keys when none given)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          configGet,
	}
	configGetCmd.Flags().Bool("secrets", false, "Reveal secret values instead of masking them")

	configSetCmd := &cobra.Command{
		Use:           "set key=value [key=value...]",
		Short:         "Set configuration values and commit them",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          configSet,
	}
	configSetCmd.Flags().Bool("restart", false, "Signal a running daemon to restart with the new configuration")

	configResetCmd := &cobra.Command{
		Use:           "reset",
		Short:         "Erase all persisted values, reverting every key to its default",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          configReset,
	}
	configResetCmd.Flags().Bool("yes", false, "Confirm the reset")

	configExportCmd := &cobra.Command{
		Use:           "export",
		Short:         "Export the configuration as YAML",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          configExport,
	}
	configExportCmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	configExportCmd.Flags().Bool("secrets", false, "Include secret values in the export")

	configImportCmd := &cobra.Command{
		Use:           "import <file>",
		Short:         "Import configuration values from a YAML file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          configImport,
	}
	configImportCmd.Flags().Bool("restart", false, "Signal a running daemon to restart with the new configuration")

	configCmd.AddCommand(configGetCmd, configSetCmd, configResetCmd, configExportCmd, configImportCmd)
	return configCmd
}

func openStore() (*store.Store, config.DataPaths, error) {
	paths, err := config.EnsureDataDirs()
	if err != nil {
		return nil, config.DataPaths{}, fmt.Errorf("prepare data directories: %w", err)
	}
	st, err := store.Open(store.Options{DBPath: paths.ConfigDB})
	if err != nil {
		return nil, config.DataPaths{}, fmt.Errorf("open config store: %w", err)
	}
	return st, paths, nil
}

func configGet(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	showSecrets, _ := cmd.Flags().GetBool("secrets")

	st, _, err := openStore()
	if err != nil {
		return out.Error("Failed to open configuration", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var selected []config.Item
	if len(args) == 0 {
		selected = config.Items()
	} else {
		for _, key := range args {
			item := config.Find(key)
			if item == nil {
				return out.Error(fmt.Sprintf("Unknown configuration key %q", key), nil)
			}
			selected = append(selected, *item)
		}
	}

	values := make(map[string]string, len(selected))
	for i := range selected {
		item := &selected[i]
		value, err := st.GetDisplay(ctx, config.MustFind(item.Key))
		if err != nil {
			return out.Error(fmt.Sprintf("Failed to read %s", item.Key), err)
		}
		if item.Secret && !showSecrets {
			value = secretMask
		}
		values[item.Key] = value
	}

	if out.jsonMode {
		return out.Print(values)
	}
	for i := range selected {
		fmt.Printf("%s=%s\n", selected[i].Key, values[selected[i].Key])
	}
	return nil
}

func configSet(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	st, paths, err := openStore()
	if err != nil {
		return out.Error("Failed to open configuration", err)
	}
	defer st.Close()

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return out.Error(fmt.Sprintf("Invalid assignment %q, expected key=value", arg), nil)
		}
		if config.Find(key) == nil {
			return out.Error(fmt.Sprintf("Unknown configuration key %q", key), nil)
		}
		if err := st.SetFromString(key, value); err != nil {
			return out.Error(fmt.Sprintf("Failed to set %s", key), err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := st.Commit(ctx); err != nil {
		return out.Error("Failed to commit configuration", err)
	}

	if restart, _ := cmd.Flags().GetBool("restart"); restart {
		if err := reloadDaemon(paths); err != nil {
			return out.Error("Configuration committed but daemon restart failed", err)
		}
		return out.Success(fmt.Sprintf("Committed %d value(s), daemon restarting", len(args)), map[string]interface{}{
			"updated": len(args),
			"restart": true,
		})
	}

	return out.Success(fmt.Sprintf("Committed %d value(s); restart the daemon to apply", len(args)), map[string]interface{}{
		"updated": len(args),
	})
}

func configReset(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return out.Error("Refusing to reset without --yes", nil)
	}

	st, _, err := openStore()
	if err != nil {
		return out.Error("Failed to open configuration", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := st.Reset(ctx); err != nil {
		return out.Error("Failed to reset configuration", err)
	}

	return out.Success("Configuration reset to defaults", nil)
}

func configExport(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	showSecrets, _ := cmd.Flags().GetBool("secrets")
	output, _ := cmd.Flags().GetString("output")

	st, _, err := openStore()
	if err != nil {
		return out.Error("Failed to open configuration", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	// A yaml.Node document keeps the export in descriptor order.
	mapping := &yaml.Node{Kind: yaml.MappingNode}
	for _, item := range config.Items() {
		if item.Secret && !showSecrets {
			continue
		}
		value, err := st.GetDisplay(ctx, config.MustFind(item.Key))
		if err != nil {
			return out.Error(fmt.Sprintf("Failed to read %s", item.Key), err)
		}
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: item.Key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: value},
		)
	}

	data, err := yaml.Marshal(mapping)
	if err != nil {
		return out.Error("Failed to encode configuration", err)
	}

	if output == "" {
		fmt.Print(string(data))
		return nil
	}
	if err := os.WriteFile(output, data, 0o600); err != nil {
		return out.Error("Failed to write export file", err)
	}
	return out.Success(fmt.Sprintf("Configuration exported to %s", output), map[string]interface{}{
		"file": output,
	})
}

func configImport(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	data, err := os.ReadFile(args[0])
	if err != nil {
		return out.Error("Failed to read import file", err)
	}

	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return out.Error("Failed to parse import file", err)
	}
	if len(values) == 0 {
		return out.Error("Import file contains no values", nil)
	}

	st, paths, err := openStore()
	if err != nil {
		return out.Error("Failed to open configuration", err)
	}
	defer st.Close()

	for key, value := range values {
		if config.Find(key) == nil {
			return out.Error(fmt.Sprintf("Unknown configuration key %q", key), nil)
		}
		if err := st.SetFromString(key, value); err != nil {
			return out.Error(fmt.Sprintf("Failed to set %s", key), err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := st.Commit(ctx); err != nil {
		return out.Error("Failed to commit configuration", err)
	}

	if restart, _ := cmd.Flags().GetBool("restart"); restart {
		if err := reloadDaemon(paths); err != nil {
			return out.Error("Configuration committed but daemon restart failed", err)
		}
	}

	return out.Success(fmt.Sprintf("Imported %d value(s)", len(values)), map[string]interface{}{
		"imported": len(values),
	})
}
