// ABOUTME: CLI entry point: run a script file or start a REPL
// ABOUTME: Starts the collector goroutine and brackets the main mutator

package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/qetlang/qet/gc"
	"github.com/qetlang/qet/vm"
)

func main() {
	klog.InitFlags(flag.CommandLine)

	root := &cobra.Command{
		Use:   "qet [script]",
		Short: "qet is a small class-based bytecode interpreter",
		Long: "qet runs programs on a stack-based VM whose heap is managed by a\n" +
			"concurrent tri-color mark-sweep collector that never stops the world.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			go gc.Collect()
			m := gc.Enter()
			defer m.Leave()
			machine := vm.New(m)
			defer machine.Close()

			if len(args) == 1 {
				return runFile(machine, args[0])
			}
			return repl(machine)
		},
	}
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		switch {
		case errors.Is(err, vm.ErrCompile):
			os.Exit(65)
		case errors.Is(err, vm.ErrRuntime):
			os.Exit(70)
		default:
			os.Exit(1)
		}
	}
}

func runFile(machine *vm.VM, path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return machine.Interpret(string(source))
}

func repl(machine *vm.VM) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		if err := machine.Interpret(scanner.Text()); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}
