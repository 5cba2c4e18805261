package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// Output handles formatted command output with optional JSON mode.
type Output struct {
	jsonMode bool
}

// NewOutput creates an Output bound to the command's --json flag.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{jsonMode: jsonMode}
}

// IsJSON reports whether JSON output was requested.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON prints a value as indented JSON.
func (o *Output) JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Printf prints formatted text.
func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Printf(format, args...)
}

// Println prints a line.
func (o *Output) Println(args ...interface{}) {
	fmt.Println(args...)
}

// Bold prints a heading line.
func (o *Output) Bold(format string, args ...interface{}) {
	fmt.Printf("\033[1m"+format+"\033[0m\n", args...)
}

// Success prints a green message.
func (o *Output) Success(format string, args ...interface{}) {
	fmt.Printf("\033[32m"+format+"\033[0m\n", args...)
}

// Error prints a red message.
func (o *Output) Error(format string, args ...interface{}) {
	fmt.Printf("\033[31m"+format+"\033[0m\n", args...)
}

// Info prints a cyan message.
func (o *Output) Info(format string, args ...interface{}) {
	fmt.Printf("\033[36m"+format+"\033[0m\n", args...)
}

// Dim prints a dimmed message.
func (o *Output) Dim(format string, args ...interface{}) {
	fmt.Printf("\033[2m"+format+"\033[0m\n", args...)
}
