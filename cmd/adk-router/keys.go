package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"adk-router/internal/config"
	"adk-router/internal/keystore"
)

type keysCmd struct {
	Set    keysSetCmd    `kong:"cmd,help='Store a provider key for an organization.'"`
	Delete keysDeleteCmd `kong:"cmd,help='Remove a provider key from an organization.'"`
	List   keysListCmd   `kong:"cmd,help='Show which provider keys an organization has.'"`
}

type keysSetCmd struct {
	Org      string `kong:"arg,help='Organization ID.'"`
	Provider string `kong:"arg,enum='google,openai,anthropic',help='Provider: google|openai|anthropic.'"`
	Key      string `kong:"arg,env='PROVIDER_API_KEY',help='API key (or PROVIDER_API_KEY).'"`
}

func (k *keysSetCmd) Run(cli *config.CLI) error {
	p, err := keystore.ParseProvider(k.Provider)
	if err != nil {
		return err
	}
	return withWriter(cli, func(ctx context.Context, w keystore.Writer) error {
		if err := w.Put(ctx, k.Org, p, k.Key); err != nil {
			return err
		}
		fmt.Printf("stored %s key for %s\n", p, k.Org)
		return nil
	})
}

type keysDeleteCmd struct {
	Org      string `kong:"arg,help='Organization ID.'"`
	Provider string `kong:"arg,enum='google,openai,anthropic',help='Provider: google|openai|anthropic.'"`
}

func (k *keysDeleteCmd) Run(cli *config.CLI) error {
	p, err := keystore.ParseProvider(k.Provider)
	if err != nil {
		return err
	}
	return withWriter(cli, func(ctx context.Context, w keystore.Writer) error {
		if err := w.Delete(ctx, k.Org, p); err != nil {
			return err
		}
		fmt.Printf("deleted %s key for %s\n", p, k.Org)
		return nil
	})
}

type keysListCmd struct {
	Org string `kong:"arg,help='Organization ID.'"`
}

func (k *keysListCmd) Run(cli *config.CLI) error {
	cfg, err := config.Load(cli)
	if err != nil {
		return err
	}
	store, err := keystore.Open(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	keys, err := store.Lookup(context.Background(), k.Org)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tHEADER\tKEY")
	for _, p := range keystore.Providers {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", p, p.Header(), maskKey(keys[p]))
	}
	return tw.Flush()
}

func withWriter(cli *config.CLI, fn func(ctx context.Context, w keystore.Writer) error) error {
	cfg, err := config.Load(cli)
	if err != nil {
		return err
	}
	w, err := keystore.OpenWriter(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	return fn(context.Background(), w)
}

// maskKey shows only the last four characters of a key.
func maskKey(key string) string {
	switch {
	case key == "":
		return "-"
	case len(key) <= 4:
		return "****"
	default:
		return "****" + key[len(key)-4:]
	}
}
