package main

import (
	"chat-relay/domain"
	"chat-relay/repositories"
	"context"
	"flag"
	"fmt"
	"io"
	"iter"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/olekukonko/tablewriter"
)

// Config is read from RELAY_* variables; flags win over the environment.
type Config struct {
	BadgerFilepath string `envconfig:"BADGER_FILEPATH" default:"./data/badger"`
	Colours        bool   `envconfig:"COLOURS" default:"true"`
	Limit          int    `envconfig:"INSPECT_LIMIT" default:"0"`
}

func main() {
	var config Config
	if err := envconfig.Process("relay", &config); err != nil {
		log.Fatal("Config error: ", err)
	}

	dbPath := flag.String("db", config.BadgerFilepath, "Path to badger DB")
	users := flag.Bool("users", false, "List registered users instead of messages")
	between := flag.String("between", "", "Show the private conversation of two users, e.g. alice,bob")
	limit := flag.Int("limit", config.Limit, "Show at most this many rows, 0 for all")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	ctx := context.Background()
	switch {
	case *users:
		err = printUsers(ctx, os.Stdout, repositories.NewUserRepository(db), config.Colours)
	default:
		err = printMessages(ctx, os.Stdout, db, *between, *limit, config.Colours)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func printUsers(ctx context.Context, out io.Writer, directory repositories.IUserRepository, colours bool) error {
	users, err := directory.List(ctx)
	if err != nil {
		return err
	}
	table := newTable(out, "Name", "Registered")
	for _, user := range users {
		table.Append([]string{user.Name, user.CreatedAt.Format("2006-01-02 15:04:05")})
	}
	table.Render()
	fmt.Fprintln(out, title(fmt.Sprintf("%d users", len(users)), colours))
	return nil
}

func printMessages(ctx context.Context, out io.Writer, db *badger.DB, between string, limit int, colours bool) error {
	store, err := repositories.NewMessageRepository(db, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		return err
	}

	var query iter.Seq2[domain.Message, error]
	heading := "public history"
	if between != "" {
		userA, userB, ok := strings.Cut(between, ",")
		if !ok || userA == "" || userB == "" {
			return fmt.Errorf("-between expects two names separated by a comma, got %q", between)
		}
		query = store.QueryPrivate(ctx, userA, userB)
		heading = fmt.Sprintf("conversation %s / %s", userA, userB)
	} else {
		query = store.QueryPublic(ctx)
	}

	fmt.Fprintln(out, title(heading, colours))
	table := newTable(out, "Time", "ID", "Sender", "Audience", "Body")
	rows := 0
	for message, err := range query {
		if err != nil {
			return err
		}
		table.Append([]string{
			message.CreatedAt.Format("15:04:05.000"),
			message.ID.String()[:8],
			message.Sender,
			message.Audience,
			message.Body,
		})
		rows++
		if limit > 0 && rows >= limit {
			break
		}
	}
	table.Render()
	return nil
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func title(text string, colours bool) string {
	text = fmt.Sprintf("  ====== %s ======", text)
	if colours {
		return color.New(color.BgBlack, color.FgGreen).Render(text)
	}
	return text
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)
	return badger.Open(opts)
}
