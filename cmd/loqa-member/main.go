// Command loqa-member manages the membership database that gates voice
// conversations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/membership"
)

var version = "0.1.0-dev"

const usage = "expected one of: add-user, add-type, grant, check, expire, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if os.Args[1] == "version" {
		fmt.Println(version)
		return
	}
	if err := run(context.Background(), os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var usageErr usageError
		if errors.As(err, &usageErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func run(ctx context.Context, command string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dbPath := fs.String("db", config.Default().Membership.Path, "Path to the membership database")

	var (
		email, name, features, feature, userID string
		days                                   int
		price, typeID                          int64
		from                                   string
	)
	switch command {
	case "add-user":
		fs.StringVar(&email, "email", "", "User email")
		fs.StringVar(&name, "name", "", "Display name")
	case "add-type":
		fs.StringVar(&name, "name", "", "Membership type name")
		fs.IntVar(&days, "days", 30, "Duration in days")
		fs.Int64Var(&price, "price", 0, "Price in won")
		fs.StringVar(&features, "features", membership.FeatureConversation, "Comma separated features")
	case "grant":
		fs.StringVar(&userID, "user", "", "User id")
		fs.Int64Var(&typeID, "type", 0, "Membership type id")
		fs.StringVar(&from, "from", "", "Start date (RFC3339, default now)")
	case "check":
		fs.StringVar(&userID, "user", "", "User id")
		fs.StringVar(&feature, "feature", membership.FeatureConversation, "Feature to check")
	case "expire":
	default:
		return usageError{fmt.Sprintf("unknown command %q; %s", command, usage)}
	}
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := membership.Open(ctx, *dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	switch command {
	case "add-user":
		id, err := store.CreateUser(ctx, email, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "user %d created\n", id)
	case "add-type":
		id, err := store.CreateMembershipType(ctx, name, days, price, splitList(features))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "membership type %d created\n", id)
	case "grant":
		uid, err := strconv.ParseInt(userID, 10, 64)
		if err != nil {
			return usageError{fmt.Sprintf("invalid -user %q", userID)}
		}
		start := time.Now()
		if from != "" {
			if start, err = time.Parse(time.RFC3339, from); err != nil {
				return usageError{fmt.Sprintf("invalid -from: %v", err)}
			}
		}
		id, err := store.Grant(ctx, uid, typeID, start)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "membership %d granted\n", id)
	case "check":
		ok, err := store.HasFeature(ctx, userID, feature)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("user %s is not entitled to %s", userID, feature)
		}
		fmt.Fprintf(out, "user %s is entitled to %s\n", userID, feature)
	case "expire":
		n, err := store.ExpireMemberships(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d memberships expired\n", n)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
