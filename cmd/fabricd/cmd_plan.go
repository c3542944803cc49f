package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/shurlinet/fabricsched/internal/daemon"
)

func runPlan(args []string) {
	if err := doPlan(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doPlan(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	modelLayers := fs.Int("model-layers", 0, "override the configured model layer count")
	alpha := fs.Float64("alpha", 0, "override the configured k-selection alpha")
	tComp := fs.Float64("t-comp", 0, "override the configured t_comp scalar")
	rRTT := fs.Float64("r-rtt", 0, "override the configured r_rtt scalar")
	jsonFlag := fs.Bool("json", false, "print the raw plan JSON instead of a summary")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newDaemonClient(*configFlag)
	if err != nil {
		return err
	}

	req := daemon.PlanRequest{
		ModelLayers: *modelLayers,
		Alpha:       *alpha,
		TComp:       *tComp,
		RRTT:        *rRTT,
	}

	if *jsonFlag {
		resp, err := client.Plan(req)
		if err != nil {
			return fmt.Errorf("plan: %w", err)
		}
		fmt.Fprintln(stdout, string(resp.PlanJSON))
		return nil
	}

	text, err := client.PlanText(req)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	fmt.Fprint(stdout, text)
	return nil
}
