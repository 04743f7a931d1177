// log-seeder generates synthetic log lines for forwarder load testing. It
// appends to a file (the forwarder tails it) or prints to stdout, in JSON or
// plain text, mimicking application, auth, and kernel log shapes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

var (
	outPath    = flag.String("out", "", "Output file to append to (default: stdout)")
	count      = flag.Int("count", 1000, "Number of lines to generate")
	interval   = flag.Duration("interval", 0, "Interval between lines (0 for as fast as possible)")
	format     = flag.String("format", "json", "Line format: json or text")
	logTypes   = flag.String("types", "app,auth,kernel", "Comma-separated list of log types")
	errorRatio = flag.Float64("error-ratio", 0.2, "Fraction of lines at ERROR level")
	partial    = flag.Bool("partial-tail", false, "Leave the last line without a newline terminator")
)

var levels = []string{"DEBUG", "INFO", "INFO", "INFO", "WARN"}

func main() {
	flag.Parse()

	gofakeit.Seed(time.Now().UnixNano())

	out := os.Stdout
	if *outPath != "" {
		f, err := os.OpenFile(*outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open output: %v", err)
		}
		defer f.Close()
		out = f
	}

	types := strings.Split(*logTypes, ",")

	log.Printf("Seeding %d %s lines (types: %v, error ratio: %.2f)",
		*count, *format, types, *errorRatio)

	for i := 0; i < *count; i++ {
		logType := types[rand.Intn(len(types))]
		line := generateLine(logType, *format)

		if *partial && i == *count-1 {
			fmt.Fprint(out, line)
			break
		}
		fmt.Fprintln(out, line)

		if *interval > 0 {
			time.Sleep(*interval)
		}
	}
}

func generateLine(logType, format string) string {
	level := levels[rand.Intn(len(levels))]
	if rand.Float64() < *errorRatio {
		level = "ERROR"
	}

	ts := time.Now()
	var msg string
	fields := map[string]any{}

	switch logType {
	case "auth":
		verb := "accepted"
		if level == "ERROR" {
			verb = "failed"
		}
		fields["user"] = gofakeit.Username()
		fields["src_ip"] = gofakeit.IPv4Address()
		msg = fmt.Sprintf("%s password for %s from %s port %d",
			verb, fields["user"], fields["src_ip"], gofakeit.Number(1024, 65535))
	case "kernel":
		fields["device"] = fmt.Sprintf("eth%d", rand.Intn(3))
		msg = fmt.Sprintf("%s: link %s", fields["device"],
			gofakeit.RandomString([]string{"up", "down", "becomes ready"}))
	default: // app
		fields["method"] = gofakeit.HTTPMethod()
		fields["path"] = "/" + gofakeit.Word() + "/" + gofakeit.Word()
		fields["status"] = gofakeit.HTTPStatusCode()
		fields["duration_ms"] = gofakeit.Number(1, 2500)
		msg = fmt.Sprintf("%s %s -> %d", fields["method"], fields["path"], fields["status"])
	}

	if format == "text" {
		return fmt.Sprintf("%s %s %s", ts.Format(time.RFC3339), level, msg)
	}

	record := map[string]any{
		"timestamp": ts.Format(time.RFC3339Nano),
		"level":     level,
		"message":   msg,
		"service":   gofakeit.AppName(),
	}
	for k, v := range fields {
		record[k] = v
	}
	data, _ := json.Marshal(record)
	return string(data)
}
