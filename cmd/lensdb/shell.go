package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/lensdb"
)

// exitKeywords end the interactive shell.
var exitKeywords = []string{"exit", "exit()", "quit", "q"}

var shellSuggestions = []prompt.Suggest{
	{Text: "SELECT", Description: "query the detections view"},
	{Text: "FROM detections", Description: "all master store rows"},
	{Text: "WHERE", Description: "filter rows"},
	{Text: "GROUP BY", Description: "aggregate rows"},
	{Text: "ORDER BY", Description: "sort rows"},
	{Text: "LIMIT", Description: "cap result size"},
	{Text: "objid", Description: "object id column"},
	{Text: "expnum", Description: "exposure id column"},
	{Text: "mag", Description: "magnitude column"},
	{Text: "hjd", Description: "heliocentric julian date column"},
	{Text: "exit", Description: "leave the shell"},
}

// runShell opens a read session and runs an interactive SQL prompt over
// the master store. The session's access-lock is held until the shell
// exits, on any path.
func runShell(cfg *lensdb.Config) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("shell requires an interactive terminal")
	}

	session, err := lensdb.Open(cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	db, err := session.DB()
	if err != nil {
		return err
	}

	rows, _ := session.NumRows()
	fmt.Printf("Master store open: %d rows. Query the 'detections' view; type 'exit' to leave.\n", rows)

	p := prompt.New(
		func(in string) { execute(db, in) },
		completer,
		prompt.OptionTitle("lensdb shell"),
		prompt.OptionPrefix("lensdb> "),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExitKeyword(in)
		}),
	)
	p.Run()

	fmt.Println("Leaving shell. Store will be closed.")
	return nil
}

func isExitKeyword(in string) bool {
	in = strings.TrimSpace(strings.ToLower(in))
	for _, kw := range exitKeywords {
		if in == kw {
			return true
		}
	}
	return false
}

func completer(d prompt.Document) []prompt.Suggest {
	word := d.GetWordBeforeCursor()
	if word == "" {
		return nil
	}
	return prompt.FilterHasPrefix(shellSuggestions, word, true)
}

// execute runs one SQL statement and prints the result table.
func execute(db *sql.DB, in string) {
	in = strings.TrimSpace(in)
	if in == "" || isExitKeyword(in) {
		return
	}

	rows, err := db.Query(in)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println(strings.Join(cols, "\t"))

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fields := make([]string, len(values))
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				fields[i] = string(b)
			} else {
				fields[i] = fmt.Sprint(v)
			}
		}
		fmt.Println(strings.Join(fields, "\t"))
		count++
	}
	if err := rows.Err(); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("(%d rows)\n", count)
}
