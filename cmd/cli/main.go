// Command capvault is a CLI client for the capvault file sharing service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "capvault")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "capvault")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

// bearerExpiry reads exp from a JWT without verifying it; the server does that.
func bearerExpiry(tok string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse bearer: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Now().Add(15 * time.Minute), nil
	}
	return claims.ExpiresAt.Time, nil
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// suggestedName extracts a safe base name from a Content-Disposition header.
func suggestedName(disposition string) string {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	name := filepath.Base(strings.ReplaceAll(params["filename"], "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

func usage() {
	fmt.Fprintf(os.Stderr, `capvault CLI
Usage:
  capvault -url http://HOST:PORT [-cacert file | -insecure] <cmd> [args]

Commands:
  version
  login      -token <jwt>                          (saves bearer)
  hash       -file <path>
  upload     -file <path> [-name n] [-type mime]
  grant      -id <ownership uuid> [-uses n] [-ttl 6h]
  download   -link <url|token> [-o path|-]
  challenge                                    (issue verification code)
  verify     -token <challenge token> -code <code>
  health     -addr HOST:PORT                       (gRPC health probe)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the HTTP API.
func main() {
	base := flag.String("url", "http://localhost:8080", "server base URL")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	skipVerify := flag.Bool("insecure", false, "skip cert verify (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	bearer, _ := loadToken()
	cli, err := newClient(*base, *caPath, *skipVerify, bearer)
	if err != nil {
		fail(err)
	}

	switch cmd {

	case "version":
		fmt.Printf("capvault %s (%s)\n", version, buildDate)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		tok := fs.String("token", "", "bearer JWT")
		_ = fs.Parse(args)
		if *tok == "" {
			fmt.Fprintln(os.Stderr, "need -token")
			os.Exit(1)
		}
		exp, err := bearerExpiry(*tok)
		if err != nil {
			fail(err)
		}
		if err := saveToken(*tok, exp); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "hash":
		fs := flag.NewFlagSet("hash", flag.ExitOnError)
		file := fs.String("file", "", "file to hash")
		_ = fs.Parse(args)
		if *file == "" {
			fmt.Fprintln(os.Stderr, "need -file")
			os.Exit(1)
		}
		sum, err := hashFile(*file)
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{"md5": sum.MD5, "sha256": sum.SHA256, "size": sum.Size})

	case "upload":
		fs := flag.NewFlagSet("upload", flag.ExitOnError)
		file := fs.String("file", "", "file to upload")
		name := fs.String("name", "", "display name (default: base name)")
		mediaType := fs.String("type", "", "media type")
		_ = fs.Parse(args)
		if *file == "" {
			fmt.Fprintln(os.Stderr, "need -file")
			os.Exit(1)
		}
		o, err := cli.upload(ctx, *file, *name, *mediaType)
		if err != nil {
			fail(err)
		}
		printJSON(o)

	case "grant":
		fs := flag.NewFlagSet("grant", flag.ExitOnError)
		id := fs.String("id", "", "ownership id")
		uses := fs.Int("uses", 1, "how many downloads the link allows")
		ttl := fs.Duration("ttl", 0, "link lifetime (0: server default)")
		_ = fs.Parse(args)
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		g, err := cli.grant(ctx, *id, *uses, *ttl)
		if err != nil {
			fail(err)
		}
		printJSON(g)

	case "download":
		fs := flag.NewFlagSet("download", flag.ExitOnError)
		link := fs.String("link", "", "download URL or token")
		out := fs.String("o", "", "output path, - for stdout (default: suggested name)")
		_ = fs.Parse(args)
		if *link == "" {
			fmt.Fprintln(os.Stderr, "need -link")
			os.Exit(1)
		}
		if err := runDownload(ctx, cli, *link, *out); err != nil {
			fail(err)
		}

	case "challenge":
		ch, err := cli.challenge(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(ch)

	case "verify":
		fs := flag.NewFlagSet("verify", flag.ExitOnError)
		tok := fs.String("token", "", "challenge token")
		code := fs.String("code", "", "code received out of band")
		_ = fs.Parse(args)
		if *tok == "" || *code == "" {
			fmt.Fprintln(os.Stderr, "need -token and -code")
			os.Exit(1)
		}
		subject, err := cli.verify(ctx, *tok, *code)
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{"subject_id": subject, "verified": true})

	case "health":
		fs := flag.NewFlagSet("health", flag.ExitOnError)
		addr := fs.String("addr", "localhost:8081", "gRPC health address")
		_ = fs.Parse(args)
		st, err := probeHealth(ctx, *addr)
		if err != nil {
			fail(err)
		}
		fmt.Println(st)

	default:
		usage()
	}
}

// runDownload saves the body. Without -o the server's suggested name is used,
// which is only known once the response arrives, so the body goes to a temp
// file in the working directory first.
func runDownload(ctx context.Context, cli *client, link, out string) error {
	if out == "-" {
		_, err := cli.download(ctx, link, os.Stdout)
		return err
	}
	dir := "."
	if out != "" {
		dir = filepath.Dir(out)
	}
	tmp, err := os.CreateTemp(dir, ".capvault-download-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	name, err := cli.download(ctx, link, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if out == "" {
		out = name
		if out == "" {
			out = "download.bin"
		}
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func probeHealth(ctx context.Context, addr string) (string, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return "", err
	}
	return resp.GetStatus().String(), nil
}

// ---- helpers ----

func fail(err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		fmt.Fprintf(os.Stderr, "server error: status=%d msg=%s\n", ae.Status, ae.Message)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
