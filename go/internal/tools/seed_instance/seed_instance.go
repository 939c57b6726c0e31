package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/mcdev12/hanoiboard/go/internal/dbconfig"
	"github.com/mcdev12/hanoiboard/go/internal/instance"
	"github.com/mcdev12/hanoiboard/go/internal/models"
)

func nameFlag() cli.Flag {
	return &cli.StringFlag{Name: "name", Required: true, Usage: "instance name"}
}

func main() {
	app := &cli.App{
		Name:  "seed_instance",
		Usage: "inspect and seed leaderboard instances in Postgres",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list instance names",
				Action: withPool(listInstances),
			},
			{
				Name:  "export",
				Usage: "write an instance as JSON",
				Flags: []cli.Flag{
					nameFlag(),
					&cli.StringFlag{Name: "out", Usage: "output file, stdout when empty"},
				},
				Action: withPool(exportInstance),
			},
			{
				Name:  "import",
				Usage: "write an instance from an exported JSON file",
				Flags: []cli.Flag{
					nameFlag(),
					&cli.StringFlag{Name: "in", Required: true, Usage: "exported instance JSON"},
					&cli.BoolFlag{Name: "overwrite", Usage: "replace an existing instance"},
				},
				Action: withPool(importInstance),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func withPool(action func(c *cli.Context, pool *pgxpool.Pool) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg := dbconfig.NewConfigFromEnv()
		pool, err := pgxpool.New(c.Context, cfg.DSN())
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer pool.Close()
		return action(c, pool)
	}
}

func nameArg(c *cli.Context) (string, error) {
	name := c.String("name")
	if strings.TrimSpace(name) == "" {
		return "", errors.New("instance name is empty")
	}
	return name, nil
}

func listInstances(c *cli.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(c.Context,
		`SELECT key FROM kv_entries WHERE key LIKE $1 AND value IS NOT NULL ORDER BY key`,
		"instances/%/meta",
	)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return fmt.Errorf("failed to scan key: %w", err)
		}
		key, err := instance.ParseKey(encoded)
		if err != nil || len(key) != 3 {
			fmt.Fprintf(os.Stderr, "skipping malformed key %q\n", encoded)
			continue
		}
		fmt.Println(key[1])
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read instances: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%d instances\n", count)
	return nil
}

func readValue(ctx context.Context, pool *pgxpool.Pool, key instance.Key) (json.RawMessage, error) {
	var value []byte
	err := pool.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE key = $1 AND value IS NOT NULL`,
		key.String(),
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func exportInstance(c *cli.Context, pool *pgxpool.Pool) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}

	rawMeta, err := readValue(c.Context, pool, instance.MetaKey(name))
	if err != nil {
		return err
	}
	if rawMeta == nil {
		return fmt.Errorf("instance %q does not exist", name)
	}
	rawData, err := readValue(c.Context, pool, instance.DataKey(name))
	if err != nil {
		return err
	}

	inst := models.NewInstance()
	if err := json.Unmarshal(rawMeta, &inst.Meta); err != nil {
		return fmt.Errorf("failed to decode meta of %q: %w", name, err)
	}
	if rawData != nil {
		data, err := models.ParseHanoiData(rawData)
		if err != nil {
			return fmt.Errorf("failed to decode data of %q: %w", name, err)
		}
		inst.Data = data
	}

	out, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}
	if path := c.String("out"); path != "" {
		if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(os.Stderr, "Instance %q exported to %s\n", name, path)
		return nil
	}
	fmt.Println(string(out))
	return nil
}

func importInstance(c *cli.Context, pool *pgxpool.Pool) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(c.String("in"))
	if err != nil {
		return fmt.Errorf("read JSON: %w", err)
	}
	var body struct {
		Meta *models.InstanceMeta `json:"meta"`
		Data json.RawMessage      `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("unmarshal JSON: %w", err)
	}
	data, err := models.ParseHanoiData(body.Data)
	if err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}
	inst := models.Instance{Meta: models.DefaultMeta(), Data: data}
	if body.Meta != nil {
		inst.Meta = *body.Meta
	}

	metaJSON, err := json.Marshal(inst.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	tx, err := pool.Begin(c.Context)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(c.Context)
	}()

	if !c.Bool("overwrite") {
		var exists bool
		err := tx.QueryRow(c.Context,
			`SELECT EXISTS (SELECT 1 FROM kv_entries WHERE key = $1 AND value IS NOT NULL)`,
			instance.MetaKey(name).String(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check %q: %w", name, err)
		}
		if exists {
			return fmt.Errorf("instance %q already exists, pass --overwrite to replace it", name)
		}
	}

	for _, kv := range []struct {
		key   instance.Key
		value []byte
	}{
		{instance.MetaKey(name), metaJSON},
		{instance.DataKey(name), dataJSON},
	} {
		_, err := tx.Exec(c.Context, `
            INSERT INTO kv_entries (key, value, version) VALUES ($1, $2, 1)
            ON CONFLICT (key) DO UPDATE
              SET value = EXCLUDED.value, version = kv_entries.version + 1
        `, kv.key.String(), kv.value)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", kv.key, err)
		}
	}

	if err := tx.Commit(c.Context); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	fmt.Printf("Instance %q imported: %d leaderboards\n", name, len(inst.Data))
	return nil
}
