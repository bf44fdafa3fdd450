package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mia/internal/agentops"
	"mia/internal/common/fsutil"
	"mia/internal/eventbus"
	"mia/internal/manager"
)

const agentTimeout = 2 * time.Minute

func newAgentCmd(rf *rootFlags) *cobra.Command {
	var stub bool
	cmd := &cobra.Command{Use: "agent", Short: "Run judge and planner generations from the shell"}
	cmd.PersistentFlags().BoolVar(&stub, "stub", false, "Force stub mode")

	var target string
	judge := &cobra.Command{
		Use:   "judge <prompt>",
		Short: "Score a prompt with the judge model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := newOps(rf, stub)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), agentTimeout)
			defer cancel()
			v, err := ops.Judge(ctx, target, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	judge.Flags().StringVar(&target, "target", "", "Request id the verdict refers to")

	var steps int
	plan := &cobra.Command{
		Use:   "plan <objective>",
		Short: "Break an objective into steps with the planner model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := newOps(rf, stub)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), agentTimeout)
			defer cancel()
			p, err := ops.Plan(ctx, strings.Join(args, " "), steps)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	plan.Flags().IntVar(&steps, "steps", 0, "Maximum number of steps (0 uses the default)")

	var answer string
	review := &cobra.Command{
		Use:   "review <objective>",
		Short: "Judge an answer and plan follow-ups concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := newOps(rf, stub)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), agentTimeout)
			defer cancel()
			v, p, err := ops.Review(ctx, target, answer, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"verdict": v, "plan": p})
		},
	}
	review.Flags().StringVar(&target, "target", "", "Request id the review refers to")
	review.Flags().StringVar(&answer, "answer", "", "Answer text to judge")

	cmd.AddCommand(judge, plan, review)
	return cmd
}

func newOps(rf *rootFlags, stub bool) (*agentops.Ops, error) {
	cfg, err := rf.loadConfig()
	if err != nil {
		return nil, err
	}
	modelsDir, err := fsutil.Resolve(rf.root, cfg.Storage.Paths.Models)
	if err != nil {
		return nil, err
	}
	mods := manager.New(cfg, manager.Options{Root: rf.root, ModelsDir: modelsDir, Backend: selectBackend(stub)})
	mod, err := mods.Get("llm")
	if err != nil {
		return nil, err
	}
	return agentops.New(cfg, mod, eventbus.Default), nil
}
