package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/keystore"
	"agentspend/go-backend/internal/secret"
)

func (a *app) keyCommand(sub string, args []string) error {
	flags := newFlags("key " + sub)
	path := flags.String("path", a.cfg.Keystore.Path, "key file path")
	withMnemonic := flags.Bool("mnemonic", false, "also print a 24-word recovery phrase")
	overwrite := flags.Bool("overwrite", false, "replace an existing key file")
	if err := parse(flags, args); err != nil {
		return err
	}
	store := keystore.NewFileStore(a.cfg.Keystore.KDF)

	switch sub {
	case "generate":
		var (
			mnemonic, address string
			raw               []byte
			err               error
		)
		if *withMnemonic {
			mnemonic, address, raw, err = keystore.GenerateWithMnemonic()
		} else {
			address, raw, err = keystore.Generate()
		}
		if err != nil {
			return err
		}
		defer secret.Zero(raw)
		if err := store.Save(raw, a.secrets.KeyPassphrase, *path, *overwrite); err != nil {
			return err
		}
		out := map[string]string{"address": address, "path": *path}
		if mnemonic != "" {
			out["recoveryPhrase"] = mnemonic
		}
		return a.print(out)

	case "restore":
		phrase := strings.TrimSpace(os.Getenv("AGENTSPEND_MNEMONIC"))
		if phrase == "" {
			return apperr.Validation(errors.New("AGENTSPEND_MNEMONIC is required"))
		}
		address, raw, err := keystore.FromMnemonic(phrase, "")
		if err != nil {
			return err
		}
		defer secret.Zero(raw)
		if err := store.Save(raw, a.secrets.KeyPassphrase, *path, *overwrite); err != nil {
			return err
		}
		return a.print(map[string]string{"address": address, "path": *path})

	case "address":
		address, err := store.Address(*path, a.secrets.KeyPassphrase)
		if err != nil {
			return err
		}
		return a.print(map[string]string{"address": address})

	case "rotate":
		next := os.Getenv("AGENTSPEND_NEW_KEY_PASSPHRASE")
		if err := store.Rotate(*path, a.secrets.KeyPassphrase, next); err != nil {
			return err
		}
		return a.print(map[string]string{"path": *path, "status": "rotated"})

	case "delete":
		if err := keystore.SecureDelete(*path); err != nil {
			return err
		}
		return a.print(map[string]string{"path": *path, "status": "deleted"})

	default:
		return apperr.Validation(fmt.Errorf("unknown key subcommand %q", sub))
	}
}
