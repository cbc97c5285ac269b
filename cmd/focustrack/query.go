package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List running applications",
	Long:  `Lists running applications sorted by name. System processes are hidden unless --system is given.`,
	RunE:  runApps,
}

var focusedCmd = &cobra.Command{
	Use:   "focused",
	Short: "Show the application that has focus now",
	RunE:  runFocused,
}

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Print tracker diagnostics",
	Long: `Prints the tracker health snapshot. With --duration, a short tracking
session is run first so queue and probe counters are populated.`,
	RunE: runDiag,
}

var debugURLCmd = &cobra.Command{
	Use:   "debug-url",
	Short: "Explain how the active browser tab is resolved",
	Long:  `Runs every tab resolution tier against the focused browser window and prints each result.`,
	RunE:  runDebugURL,
}

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Check or request the OS capability focus tracking needs",
	RunE:  runPermissions,
}

var (
	includeSystem bool
	diagDuration  time.Duration
	requestPerm   bool
	openSettings  bool
)

func init() {
	appsCmd.Flags().BoolVar(&includeSystem, "system", false, "Include system processes")
	diagCmd.Flags().DurationVar(&diagDuration, "duration", 0, "Track for this long before printing")
	permissionsCmd.Flags().BoolVar(&requestPerm, "request", false, "Ask the OS to grant the capability")
	permissionsCmd.Flags().BoolVar(&openSettings, "open-settings", false, "Open the system privacy or accessibility settings")

	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(focusedCmd)
	rootCmd.AddCommand(diagCmd)
	rootCmd.AddCommand(debugURLCmd)
	rootCmd.AddCommand(permissionsCmd)
}

func runApps(cmd *cobra.Command, args []string) error {
	tracker, _, _, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	apps, err := tracker.RunningApplications(cmd.Context(), includeSystem)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(apps)
	}

	for _, app := range apps {
		kind := ""
		switch {
		case app.IsBrowser:
			kind = "browser"
		case app.IsSystem:
			kind = "system"
		}
		fmt.Printf("%8d  %-32s %-8s %s\n", app.ProcessID, app.Name, kind, app.ExecutablePath)
	}
	fmt.Printf("\n%s applications\n", humanize.Comma(int64(len(apps))))
	return nil
}

func runFocused(cmd *cobra.Command, args []string) error {
	tracker, _, _, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	app, err := tracker.CurrentFocusedApp(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(app)
	}
	if app == nil {
		fmt.Println("No window has focus")
		return nil
	}
	fmt.Printf("Name: %s\n", app.Name)
	fmt.Printf("PID: %d\n", app.ProcessID)
	fmt.Printf("Identifier: %s\n", app.Identifier)
	fmt.Printf("Title: %s\n", app.WindowTitle)
	fmt.Printf("Browser: %t\n", app.IsBrowser)
	return nil
}

func runDiag(cmd *cobra.Command, args []string) error {
	tracker, _, file, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	if diagDuration > 0 {
		if err := tracker.StartTracking(cmd.Context(), file.Tracking); err != nil {
			return err
		}
		time.Sleep(diagDuration)
	}
	diag := tracker.Diagnostics()
	if jsonOutput {
		return printJSON(diag)
	}

	fmt.Println("\n=== focustrack Diagnostics ===")
	fmt.Printf("Platform: %s (supported: %t)\n", diag.Platform, tracker.IsSupported())
	fmt.Printf("State: %s\n", diag.State)
	fmt.Printf("Permissions: %t\n", diag.HasPermissions)
	if !diag.Permission.ThrottleUntil.IsZero() {
		fmt.Printf("Permission re-check: %s\n", humanize.Time(diag.Permission.ThrottleUntil))
	}
	if diag.SessionID != "" {
		fmt.Printf("Session: %s (started %s)\n", diag.SessionID, humanize.Time(diag.SessionStartedAt))
	}
	if diag.CurrentApp != nil {
		fmt.Printf("Current app: %s (pid %d) for %s\n",
			diag.CurrentApp.Name, diag.CurrentApp.ProcessID, diag.FocusDuration.Round(time.Millisecond))
	}
	fmt.Printf("Queue: %d/%d\n", diag.QueueDepth, diag.QueueCapacity)
	fmt.Printf("Events: %s enqueued, %s delivered, %s dropped, %s failed\n",
		humanize.Comma(int64(diag.EnqueuedEvents)),
		humanize.Comma(int64(diag.DeliveredEvents)),
		humanize.Comma(int64(diag.DroppedEvents)),
		humanize.Comma(int64(diag.FailedDeliveries)))
	fmt.Printf("Probe transient errors: %d\n", diag.ProbeTransientErrors)
	fmt.Printf("Access-limited samples: %d\n", diag.AccessDeniedCount)
	if diag.LastError != "" {
		fmt.Printf("Last error: %s\n", diag.LastError)
	}
	fmt.Println("==============================")
	return nil
}

func runDebugURL(cmd *cobra.Command, args []string) error {
	tracker, _, _, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := tracker.DebugURLExtraction(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(report)
	}

	fmt.Printf("Window: %s\n", report.WindowTitle)
	fmt.Printf("App: %s\n", report.AppName)
	if !report.IsBrowser {
		fmt.Println("Not a recognized browser")
		return nil
	}
	fmt.Printf("Browser: %s\n\n", report.BrowserType)
	for _, tier := range report.Tiers {
		fmt.Printf("[%s] %s\n", tier.Name, tier.Elapsed.Round(time.Microsecond))
		switch {
		case tier.Error != "":
			fmt.Printf("  error: %s\n", tier.Error)
		case tier.Result == nil:
			fmt.Println("  not found")
		default:
			printTab(tier.Result)
		}
	}
	fmt.Println("\nResolved:")
	printTab(&report.Final)
	return nil
}

func printTab(tab *domain.BrowserTabInfo) {
	fmt.Printf("  domain: %s\n", tab.Domain)
	fmt.Printf("  url:    %s\n", tab.URL)
	fmt.Printf("  title:  %s\n", tab.Title)
	fmt.Printf("  source: %s\n", tab.Source)
}

func runPermissions(cmd *cobra.Command, args []string) error {
	tracker, _, _, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()
	ctx := cmd.Context()

	if openSettings {
		if err := tracker.OpenSystemSettings(ctx); err != nil {
			return err
		}
	}
	if requestPerm {
		if err := tracker.RequestPermissions(ctx); err != nil {
			return err
		}
	}

	granted := tracker.HasPermissions(ctx)
	if jsonOutput {
		return printJSON(map[string]any{"platform": tracker.PlatformName(), "granted": granted})
	}
	fmt.Printf("Platform: %s\n", tracker.PlatformName())
	fmt.Printf("Granted: %t\n", granted)
	return nil
}
