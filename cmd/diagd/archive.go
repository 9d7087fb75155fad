package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/HyphaGroup/diagd/internal/backup"
	"github.com/HyphaGroup/diagd/internal/session"
)

// archiveFlags parses the flags shared by the archive commands and opens
// the configured archive.
func archiveFlags(name string, args []string) (*backup.Manager, []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dirFlag := fs.String("dir", "", "diagd home directory (default: ~/.diagd)")
	configFlag := fs.String("config", "", "path to diagd.jsonc")
	_ = fs.Parse(args)

	home := resolveHome(*dirFlag)
	cfg := loadConfig(home, *configFlag)
	m, err := openArchive(home, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		fmt.Fprintln(os.Stderr, "Error: archiving is off; set cleanup.archive_dir in diagd.jsonc")
		os.Exit(1)
	}
	return m, fs.Args()
}

func cmdArchives(args []string) {
	m, rest := archiveFlags("archives", args)
	sessionID := ""
	if len(rest) > 0 {
		sessionID = rest[0]
	}
	if sessionID != "" {
		if err := session.ValidateID(sessionID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	snaps, err := m.ListSnapshots(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(snaps) == 0 {
		fmt.Println("No archived sessions")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tARCHIVED\tSIZE\tFILE")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.SessionID, s.Timestamp.Format("2006-01-02 15:04:05"),
			humanize.IBytes(uint64(s.SizeBytes)), s.Filename)
	}
	_ = tw.Flush()
}

func cmdRestore(args []string) {
	m, rest := archiveFlags("restore", args)
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: diagd restore [--dir <home>] <archive> <dest>")
		os.Exit(2)
	}

	s, err := m.Restore(rest[0], rest[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Restored session %s (%s, %s) to %s\n", s.ID, s.Tool, s.Status, rest[1])
}
