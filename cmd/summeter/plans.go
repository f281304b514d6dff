package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/summeter/summeter/config"
	"github.com/summeter/summeter/domain/plan"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Inspect and manage the plan catalog",
	Long: `Inspect and manage subscription plans in the configured storage.

Plans define call limits, batch sizes, and per-call pricing. The running
server seeds them from the config file; these commands work on the same
store directly.

Examples:
  summeter plans list
  summeter plans get pro
  summeter plans seed
  summeter plans delete legacy-plan`,
}

var plansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all plans",
	RunE:  runPlansList,
}

var plansGetCmd = &cobra.Command{
	Use:   "get <plan-code>",
	Short: "Get plan details",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlansGet,
}

var plansSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert the configured plans into storage",
	RunE:  runPlansSeed,
}

var plansDeleteCmd = &cobra.Command{
	Use:   "delete <plan-code>",
	Short: "Delete a plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlansDelete,
}

func init() {
	rootCmd.AddCommand(plansCmd)

	plansCmd.AddCommand(plansListCmd)
	plansCmd.AddCommand(plansGetCmd)
	plansCmd.AddCommand(plansSeedCmd)
	plansCmd.AddCommand(plansDeleteCmd)
}

func runPlansList(cmd *cobra.Command, args []string) error {
	plans, _, closeStore, err := openStores()
	if err != nil {
		return err
	}
	defer closeStore()

	all, err := plans.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list plans: %w", err)
	}

	if len(all) == 0 {
		fmt.Println("No plans found.")
		fmt.Println()
		fmt.Println("Seed the configured plans with: summeter plans seed")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tMONTHLY\tDAILY\tPER-MIN\tBATCH\tPRICE/CALL\tACTIVE")
	fmt.Fprintln(w, "----\t----\t-------\t-----\t-------\t-----\t----------\t------")

	for _, p := range all {
		active := "no"
		if p.Active {
			active = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t$%s\t%s\n",
			p.Code, p.Name, p.MonthlyCallLimit, p.DailyCallLimit,
			p.PerMinuteLimit, p.BatchSizeLimit, p.PricePerCall.String(), active)
	}

	w.Flush()
	return nil
}

func runPlansGet(cmd *cobra.Command, args []string) error {
	plans, _, closeStore, err := openStores()
	if err != nil {
		return err
	}
	defer closeStore()

	p, err := plans.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("plan not found: %s", args[0])
	}

	fmt.Printf("Code:            %s\n", p.Code)
	fmt.Printf("Name:            %s\n", p.Name)
	fmt.Printf("Monthly Limit:   %d calls\n", p.MonthlyCallLimit)
	fmt.Printf("Daily Limit:     %d calls\n", p.DailyCallLimit)
	fmt.Printf("Per-Minute:      %d calls\n", p.PerMinuteLimit)
	fmt.Printf("Batch Size:      %d\n", p.BatchSizeLimit)
	fmt.Printf("Price per Call:  $%s\n", p.PricePerCall.String())
	if len(p.VolumeDiscounts) > 0 {
		fmt.Printf("Volume Discounts:\n")
		for _, tier := range p.VolumeDiscounts {
			fmt.Printf("  from call %d: x%s\n", tier.CallThreshold, tier.Multiplier.String())
		}
	}
	if len(p.Features) > 0 {
		names := make([]string, 0, len(p.Features))
		for name := range p.Features {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("Features:        %v\n", names)
	}
	fmt.Printf("Active:          %v\n", p.Active)
	fmt.Printf("Updated:         %s\n", p.UpdatedAt.Format("2006-01-02 15:04:05"))

	return nil
}

func runPlansSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	plans, _, closeStore, err := openStores()
	if err != nil {
		return err
	}
	defer closeStore()

	now := time.Now().UTC()
	seeded := make([]plan.Plan, 0, len(cfg.Plans))
	for _, pc := range cfg.Plans {
		p, err := pc.ToPlan(now)
		if err != nil {
			return err
		}
		if err := plans.Put(context.Background(), p); err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", p.Code, err)
		}
		seeded = append(seeded, p)
	}

	fmt.Printf("%s Seeded %d plans:\n", checkMark, len(seeded))
	for _, p := range seeded {
		fmt.Printf("   %s (%s)\n", p.Code, p.Name)
	}
	return nil
}

func runPlansDelete(cmd *cobra.Command, args []string) error {
	plans, _, closeStore, err := openStores()
	if err != nil {
		return err
	}
	defer closeStore()

	if err := plans.Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}

	fmt.Printf("%s Deleted plan: %s\n", checkMark, args[0])
	return nil
}
