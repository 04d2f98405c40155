package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/flexigpt/moviedialog-go/internal/actxml"
	"github.com/flexigpt/moviedialog-go/spec"
)

var chatXML bool

// chatCmd reads one JSON dialogue act per line, e.g.
//
//	{"intent":"inform","slots":[{"name":"genre","value":"comedy","confidence":0.9}]}
//
// and prints the system act. All lines share one session unless they name another.
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run a JSON-lines dialogue on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := buildHost(cmd.Context(), cfg, logger, nil)
		if err != nil {
			return err
		}
		defer h.Close()

		id, err := h.rt.NewSessionID()
		if err != nil {
			return err
		}
		return chat(cmd, h, id, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().BoolVar(&chatXML, "xml", false, "print system acts as XML")
}

func chat(cmd *cobra.Command, h *host, id spec.SessionID, in io.Reader, out io.Writer) error {
	ctx := cmd.Context()
	sc := bufio.NewScanner(in)
	enc := json.NewEncoder(out)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var act spec.DialogueAct
		if err := json.Unmarshal([]byte(line), &act); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "invalid act: %v\n", err)
			continue
		}
		if act.SessionID == "" {
			act.SessionID = id
		}

		sys, err := h.rt.HandleTurn(ctx, act)
		if err != nil && !errors.Is(err, spec.ErrParse) {
			return err
		}
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
		}

		if chatXML {
			x, err := actxml.SystemActXML(sys)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, x)
		} else if err := enc.Encode(sys); err != nil {
			return err
		}
		if sys.State == spec.StateClosing {
			return nil
		}
	}
	return sc.Err()
}
