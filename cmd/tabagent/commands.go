package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tabcounter/tabcounter.go/pkg/prefs"
	"github.com/tabcounter/tabcounter.go/pkg/state"
)

// runCommands applies one command per input line until r is exhausted:
//
//	N          set the tab count to N
//	+          one more tab
//	-          one tab fewer
//	port N     point the agent at another relay port
//	secret S   change the relay secret
func runCommands(r io.Reader, st *state.Store, pr *prefs.Store, errOut io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := apply(line, st, pr); err != nil {
			fmt.Fprintf(errOut, "%s: %v\n", line, err)
		}
	}
	return scanner.Err()
}

func apply(line string, st *state.Store, pr *prefs.Store) error {
	switch line {
	case "+":
		st.Increment()
		return nil
	case "-":
		st.Decrement()
		return nil
	}

	fields := strings.Fields(line)
	switch {
	case len(fields) == 2 && fields[0] == "port":
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid port: %w", err)
		}
		return pr.Set(prefs.Update{Port: &port})
	case len(fields) == 2 && fields[0] == "secret":
		secret := fields[1]
		return pr.Set(prefs.Update{Secret: &secret})
	case len(fields) == 1:
		n, err := strconv.Atoi(fields[0])
		if err != nil || n < 0 {
			return errors.New("expected a tab count, + or -")
		}
		st.SetTabCount(n)
		return nil
	default:
		return errors.New("unknown command")
	}
}
