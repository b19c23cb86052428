package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/client"
)

var (
	serverAddr  = flag.String("addr", "127.0.0.1:4700", "Wire address of the toriidb server")
	statusAddr  = flag.String("status_addr", "127.0.0.1:4701", "HTTP status address of the toriidb server")
	regionFlag  = flag.String("region", "default", "Region to address commands to")
	historyFile = flag.String("history", "/tmp/toriidb_cli.history", "Readline history file")

	statusTimeout = 10 * time.Second
)

// session holds the CLI's connection and the transaction it is inside, if any.
type session struct {
	db     *client.Client
	region string
	txn    *client.Txn
}

func (s *session) prompt() string {
	if s.txn != nil {
		return fmt.Sprintf("toriidb(%s txn:%d)> ", s.region, s.txn.ID())
	}
	return fmt.Sprintf("toriidb(%s)> ", s.region)
}

func main() {
	flag.Parse()

	db, err := client.New(client.Config{Addr: *serverAddr}, zap.NewNop())
	if err != nil {
		fmt.Printf("Error: failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	s := &session{db: db, region: *regionFlag}

	if args := flag.Args(); len(args) > 0 {
		// One-shot mode: run the one command and exit.
		s.processCommand(args)
		return
	}

	fmt.Println("ToriiDB CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	shellLoop(s)
}

func shellLoop(s *session) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            s.prompt(),
		HistoryFile:       *historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Printf("Error: failed to initialize readline: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()

	for {
		l.SetPrompt(s.prompt())
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if quit := s.processCommand(strings.Fields(line)); quit {
			return
		}
	}
}

// processCommand handles a single command, either from args or interactive
// mode. It returns true when the CLI should exit.
func (s *session) processCommand(args []string) bool {
	command := strings.ToLower(args[0])

	switch command {
	case "use":
		if len(args) < 2 {
			fmt.Println("Error: use requires a region name.")
			return false
		}
		if s.txn != nil {
			fmt.Println("Error: abort or commit the open transaction before switching regions.")
			return false
		}
		s.region = args[1]

	case "begin":
		if s.txn != nil {
			fmt.Printf("Error: already inside transaction %d.\n", s.txn.ID())
			return false
		}
		txn, err := s.db.Begin(s.region)
		if err != nil {
			fmt.Printf("Error: begin failed: %v\n", err)
			return false
		}
		s.txn = txn
		fmt.Printf("Transaction %d started in region %s.\n", txn.ID(), s.region)

	case "get":
		if len(args) < 2 {
			fmt.Println("Error: get requires a key.")
			return false
		}
		s.doGet(args[1])

	case "put":
		if len(args) < 3 {
			fmt.Println("Error: put requires a key and a value.")
			return false
		}
		s.doPut(args[1], strings.Join(args[2:], " "))

	case "delete":
		if len(args) < 2 {
			fmt.Println("Error: delete requires a key.")
			return false
		}
		s.doDelete(args[1])

	case "scan":
		s.doScan(args[1:])

	case "prepare":
		if s.txn == nil {
			fmt.Println("Error: no open transaction.")
			return false
		}
		ok, err := s.txn.CommitRequest()
		if err != nil {
			fmt.Printf("Error: prepare failed: %v\n", err)
			return false
		}
		if !ok {
			fmt.Println("CONFLICT: transaction aborted by validation.")
			s.txn = nil
			return false
		}
		fmt.Println("PREPARED: run 'confirm' to commit or 'abort' to roll back.")

	case "confirm":
		if s.txn == nil {
			fmt.Println("Error: no open transaction.")
			return false
		}
		if err := s.txn.Commit(); err != nil {
			fmt.Printf("Error: commit failed: %v\n", err)
			return false
		}
		s.txn = nil
		fmt.Println("COMMITTED.")

	case "commit":
		if s.txn == nil {
			fmt.Println("Error: no open transaction.")
			return false
		}
		ok, err := s.txn.CommitIfPossible()
		s.txn = nil
		if err != nil {
			fmt.Printf("Error: commit failed: %v\n", err)
			return false
		}
		if ok {
			fmt.Println("COMMITTED.")
		} else {
			fmt.Println("CONFLICT: transaction aborted by validation.")
		}

	case "abort":
		if s.txn == nil {
			fmt.Println("Error: no open transaction.")
			return false
		}
		if err := s.txn.Abort(); err != nil {
			fmt.Printf("Error: abort failed: %v\n", err)
		} else {
			fmt.Println("ABORTED.")
		}
		s.txn = nil

	case "touch":
		if s.txn == nil {
			fmt.Println("Error: no open transaction.")
			return false
		}
		if err := s.txn.Touch(); err != nil {
			fmt.Printf("Error: touch failed: %v\n", err)
		} else {
			fmt.Println("Lease renewed.")
		}

	case "status":
		getServerStatus()

	case "admin":
		s.processAdminCommand(args[1:])

	case "help":
		printHelp()

	case "exit", "quit":
		if s.txn != nil {
			_ = s.txn.Abort()
		}
		fmt.Println("Exiting ToriiDB CLI.")
		return true

	default:
		fmt.Println("Error: Unknown command. Type 'help' for a list of commands.")
	}
	return false
}

func (s *session) doGet(key string) {
	var (
		val   []byte
		found bool
		err   error
	)
	if s.txn != nil {
		val, found, err = s.txn.Get(key)
	} else {
		val, found, err = s.db.Get(s.region, key)
	}
	if err != nil {
		fmt.Printf("Error: get failed: %v\n", err)
		return
	}
	if !found {
		fmt.Println("NOT_FOUND")
		return
	}
	fmt.Printf("%s\n", val)
}

func (s *session) doPut(key, value string) {
	var err error
	if s.txn != nil {
		err = s.txn.Put(key, []byte(value))
	} else {
		err = s.db.Put(s.region, key, []byte(value))
	}
	if err != nil {
		fmt.Printf("Error: put failed: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (s *session) doDelete(key string) {
	var err error
	if s.txn != nil {
		err = s.txn.Delete(key)
	} else {
		err = s.db.Delete(s.region, key)
	}
	if err != nil {
		fmt.Printf("Error: delete failed: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (s *session) doScan(args []string) {
	startKey, endKey := "", ""
	limit := 100
	if len(args) > 0 {
		startKey = args[0]
	}
	if len(args) > 1 {
		endKey = args[1]
	}
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			fmt.Printf("Error: invalid scan limit %s.\n", args[2])
			return
		}
		limit = n
	}

	var (
		sc  *client.Scanner
		err error
	)
	if s.txn != nil {
		sc, err = s.txn.OpenScanner(startKey, endKey, limit)
	} else {
		sc, err = s.db.OpenScanner(s.region, startKey, endKey, limit)
	}
	if err != nil {
		fmt.Printf("Error: scan failed: %v\n", err)
		return
	}
	defer sc.Close()

	rows, err := sc.All(64)
	if err != nil {
		fmt.Printf("Error: scan failed: %v\n", err)
		return
	}
	for _, row := range rows {
		fmt.Printf("%s = %s\n", row.Key, row.Value)
	}
	fmt.Printf("%d row(s)\n", len(rows))
}

func (s *session) processAdminCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Error: admin command requires a sub-command. Supported: close_region, remove_region, split_region.")
		return
	}
	switch strings.ToLower(args[0]) {
	case "close_region":
		if len(args) < 2 {
			fmt.Println("Error: admin close_region requires <region>.")
			return
		}
		if err := s.db.CloseRegion(args[1]); err != nil {
			fmt.Printf("Error: close_region failed: %v\n", err)
			return
		}
		fmt.Println("OK")
	case "remove_region":
		if len(args) < 2 {
			fmt.Println("Error: admin remove_region requires <region>.")
			return
		}
		if err := s.db.RemoveRegion(args[1]); err != nil {
			fmt.Printf("Error: remove_region failed: %v\n", err)
			return
		}
		fmt.Println("OK")
	case "split_region":
		if len(args) < 5 {
			fmt.Println("Error: admin split_region requires <region> <split_key> <left_name> <right_name>.")
			return
		}
		if err := s.db.SplitRegion(args[1], args[2], args[3], args[4]); err != nil {
			fmt.Printf("Error: split_region failed: %v\n", err)
			return
		}
		fmt.Println("OK")
	default:
		fmt.Println("Error: Unknown admin sub-command. Supported: close_region, remove_region, split_region.")
	}
}

// getServerStatus fetches and pretty-prints the server's status endpoint.
func getServerStatus() {
	httpClient := http.Client{Timeout: statusTimeout}
	resp, err := httpClient.Get(fmt.Sprintf("http://%s/status", *statusAddr))
	if err != nil {
		fmt.Printf("Error: failed to fetch server status: %v\n", err)
		return
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error: failed to read status response: %v\n", err)
		return
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, bodyBytes, "", "  "); err != nil {
		fmt.Printf("Server Status (%s):\n%s\n", resp.Status, strings.TrimSpace(string(bodyBytes)))
		return
	}
	fmt.Printf("Server Status (%s):\n%s\n", resp.Status, pretty.String())
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  use <region>                                   switch the region commands address")
	fmt.Println("  begin                                          start a transaction")
	fmt.Println("  get <key>")
	fmt.Println("  put <key> <value>")
	fmt.Println("  delete <key>")
	fmt.Println("  scan [start_key] [end_key] [limit]")
	fmt.Println("  commit                                         validate and commit in one step")
	fmt.Println("  prepare                                        validate and hold the commit decision")
	fmt.Println("  confirm                                        commit a prepared transaction")
	fmt.Println("  abort")
	fmt.Println("  touch                                          renew the transaction lease")
	fmt.Println("  status                                         show the server status endpoint")
	fmt.Println("  admin close_region <region>")
	fmt.Println("  admin remove_region <region>")
	fmt.Println("  admin split_region <region> <split_key> <left_name> <right_name>")
	fmt.Println("  help")
	fmt.Println("  exit / quit")
}
