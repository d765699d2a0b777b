package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"routeforge/internal/api"
	"routeforge/internal/audit"
	"routeforge/internal/ledger"
	"routeforge/internal/optimize"
	"routeforge/internal/orchestrator"
	"routeforge/internal/planner"
	"routeforge/internal/registry"
)

var (
	// goal flags
	goalContext     []string
	goalConstraints []string
	goalOwner       string
	goalMaxCost     float64
	goalMaxLatency  float64

	// plan flags
	planBeam       int
	planHorizon    int
	planFromBranch string
	planActivate   bool

	// route flags
	routeConfidence float64
	routeQuery      string
	routeExplore    float64
	routeCatalog    string
	routeBind       bool

	// step flags
	stepHighAssurance bool
	stepExplore       float64
	stepTimeout       time.Duration
	stepArchive       bool
	stepAttestor      string

	// audit flags
	auditFormat string
	auditLimit  int

	// optimize flags
	optTarget       string
	optLearningRate float64
	optCapability   string
	optDryRun       bool
	optRate         float64
)

func init() {
	rootCmd.AddCommand(goalCmd, planCmd, routeCmd, stepCmd, auditCmd, optimizeCmd)

	goalCmd.AddCommand(goalSubmitCmd)
	goalSubmitCmd.Flags().StringArrayVar(&goalContext, "context", nil, "Context attribute as key=value (repeatable)")
	goalSubmitCmd.Flags().StringArrayVar(&goalConstraints, "constraint", nil, "Constraint (repeatable)")
	goalSubmitCmd.Flags().StringVar(&goalOwner, "owner", "", "Plan owner")
	goalSubmitCmd.Flags().Float64Var(&goalMaxCost, "max-cost", 0, "Cost budget")
	goalSubmitCmd.Flags().Float64Var(&goalMaxLatency, "max-latency-ms", 0, "Latency budget in milliseconds")

	planCmd.AddCommand(planExpandCmd, planExplainCmd, planDryRunCmd)
	planExpandCmd.Flags().IntVar(&planBeam, "beam", 0, "Beam size (default from config)")
	planExpandCmd.Flags().IntVar(&planHorizon, "horizon", 0, "Search depth (default from config)")
	planExpandCmd.Flags().StringVar(&planFromBranch, "from-branch", "", "Branch to expand from")
	planExplainCmd.Flags().BoolVar(&planActivate, "activate", false, "Make the branch the plan's active branch")

	routeCmd.AddCommand(routeBindCmd, routeInferCmd, routeProfileCmd)
	routeBindCmd.Flags().Float64Var(&routeConfidence, "confidence", 0.8, "Prior confidence in [0,1]")
	routeInferCmd.Flags().StringVar(&routeQuery, "query", "", "Free text classified into a capability")
	routeInferCmd.Flags().Float64Var(&routeExplore, "explore", -1, "Override the exploration rate")
	routeProfileCmd.Flags().StringVar(&routeCatalog, "catalog", "", "Catalog file or directory (default from config)")
	routeProfileCmd.Flags().BoolVar(&routeBind, "bind", false, "Bind tools that have no route yet")

	stepCmd.AddCommand(stepRunCmd, stepAwaitCmd, stepCommitCmd)
	stepRunCmd.Flags().BoolVar(&stepHighAssurance, "high-assurance", false, "Run the step through the debate judge")
	stepRunCmd.Flags().Float64Var(&stepExplore, "explore", -1, "Override the exploration rate")
	stepAwaitCmd.Flags().DurationVar(&stepTimeout, "timeout", 0, "Maximum wait (default from config)")
	stepCommitCmd.Flags().BoolVar(&stepArchive, "archive", false, "Archive the plan when every step is done")
	stepCommitCmd.Flags().StringVar(&stepAttestor, "attestor", "", "Attestor identity")

	auditCmd.AddCommand(auditTrailCmd, auditComplianceCmd, auditRiskCmd)
	auditTrailCmd.Flags().StringVar(&auditFormat, "format", "summary", "raw, summary or detailed")
	auditTrailCmd.Flags().IntVar(&auditLimit, "limit", 0, "Maximum number of events")

	optimizeCmd.AddCommand(optimizeRoutesCmd, optimizeBanditCmd, optimizeAnalyzeCmd)
	optimizeRoutesCmd.Flags().StringVar(&optTarget, "target", "", "latency, cost, reliability or balanced")
	optimizeRoutesCmd.Flags().Float64Var(&optLearningRate, "learning-rate", 0, "Step size in (0,1]")
	optimizeRoutesCmd.Flags().StringVar(&optCapability, "capability", "", "Only routes of this capability")
	optimizeRoutesCmd.Flags().BoolVar(&optDryRun, "dry-run", false, "Report adjustments without persisting them")
	optimizeBanditCmd.Flags().Float64Var(&optRate, "rate", -1, "Force this exploration rate")
	optimizeAnalyzeCmd.Flags().StringVar(&optCapability, "capability", "", "Only routes of this capability")
}

var goalCmd = &cobra.Command{Use: "goal", Short: "Submit goals"}

var goalSubmitCmd = &cobra.Command{
	Use:   "submit <goal>",
	Short: "Create a plan from a goal",
	Long: `Create a plan from a goal. The decomposer yields the initial ordered steps.

Examples:
  routeforge goal submit "set up a postgres database for billing" --context env=staging
  routeforge goal submit "deploy the api" --max-cost 5 --owner platform`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrs, err := parsePairs(goalContext)
		if err != nil {
			return err
		}
		req := planner.GoalRequest{
			Goal:        strings.Join(args, " "),
			Context:     attrs,
			Constraints: goalConstraints,
			Budget:      ledger.Budget{MaxCost: goalMaxCost, MaxLatencyMS: goalMaxLatency},
			Owner:       goalOwner,
		}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.SubmitGoal(cmd.Context(), req))
		})
	},
}

var planCmd = &cobra.Command{Use: "plan", Short: "Expand, explain and estimate plans"}

var planExpandCmd = &cobra.Command{
	Use:   "expand <plan-id>",
	Short: "Beam-search alternative branches of a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := planner.ExpandRequest{PlanID: args[0], BeamSize: planBeam, Horizon: planHorizon, FromBranchID: planFromBranch}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.PlanExpand(cmd.Context(), req))
		})
	},
}

var planExplainCmd = &cobra.Command{
	Use:   "explain <branch-id>",
	Short: "Explain a branch score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.ExplainRequest{BranchID: args[0], Activate: planActivate}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.TotExplain(cmd.Context(), req))
		})
	},
}

var planDryRunCmd = &cobra.Command{
	Use:   "dry-run <plan-id>",
	Short: "Estimate plan duration and cost without executing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.DryRun(cmd.Context(), api.PlanRequest{PlanID: args[0]}))
		})
	},
}

var routeCmd = &cobra.Command{Use: "route", Short: "Bind, infer and profile routes"}

var routeBindCmd = &cobra.Command{
	Use:   "bind <capability> <backend> <tool>",
	Short: "Bind a backend tool to a capability",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := registry.BindRequest{
			Capability: args[0],
			BackendID:  args[1],
			ToolName:   args[2],
			Confidence: routeConfidence,
			Weights:    ledger.BalancedWeights(),
		}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.BindCapability(cmd.Context(), req))
		})
	},
}

var routeInferCmd = &cobra.Command{
	Use:   "infer [capability]",
	Short: "Show the route the router would choose",
	Long: `Show the route the router would choose for a capability, or for the
capability a --query classifies into.

Examples:
  routeforge route infer deploy_service
  routeforge route infer --query "run the integration tests" --explore 0`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.InferRequest{Query: routeQuery, Explore: optionalRate(routeExplore)}
		if len(args) == 1 {
			req.Capability = args[0]
		}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.RouteInfer(cmd.Context(), req))
		})
	},
}

var routeProfileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Classify catalog tools and optionally bind them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := api.ProfileRequest{Catalog: routeCatalog, Bind: routeBind}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.ProfileTools(cmd.Context(), req))
		})
	},
}

var stepCmd = &cobra.Command{Use: "step", Short: "Run steps and settle their tickets"}

var stepRunCmd = &cobra.Command{
	Use:   "run <step-id>",
	Short: "Execute a plan step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := orchestrator.RunRequest{StepID: args[0], HighAssurance: stepHighAssurance, Explore: optionalRate(stepExplore)}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.RunStep(cmd.Context(), req))
		})
	},
}

var stepAwaitCmd = &cobra.Command{
	Use:   "await <ticket-id>",
	Short: "Wait for a ticket to complete or fail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.AwaitRequest{TicketID: args[0], TimeoutMS: stepTimeout.Milliseconds()}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.AwaitTicket(cmd.Context(), req))
		})
	},
}

var stepCommitCmd = &cobra.Command{
	Use:   "commit <ticket-id>",
	Short: "Attest a completed ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := orchestrator.CommitRequest{TicketID: args[0], Attestor: stepAttestor, Archive: stepArchive}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.CommitResult(cmd.Context(), req))
		})
	},
}

var auditCmd = &cobra.Command{Use: "audit", Short: "Trails, compliance and risk"}

var auditTrailCmd = &cobra.Command{
	Use:   "trail [plan-id]",
	Short: "Show the event trail of a plan or of the whole ledger",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := audit.TrailRequest{PlanID: firstArg(args), Format: audit.Format(auditFormat), Limit: auditLimit}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.AuditTrail(cmd.Context(), req))
		})
	},
}

var auditComplianceCmd = &cobra.Command{
	Use:   "compliance [plan-id]",
	Short: "Score a plan or the whole ledger against the compliance checks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.ComplianceCheck(cmd.Context(), api.PlanRequest{PlanID: firstArg(args)}))
		})
	},
}

var auditRiskCmd = &cobra.Command{
	Use:   "risk [plan-id]",
	Short: "List the operational risks of a plan or of the whole ledger",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.RiskAssessment(cmd.Context(), api.PlanRequest{PlanID: firstArg(args)}))
		})
	},
}

var optimizeCmd = &cobra.Command{Use: "optimize", Short: "Tune route weights and the router"}

var optimizeRoutesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Nudge route weights toward a target profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := optimize.RoutesRequest{
			Target:       optimize.Target(optTarget),
			LearningRate: optLearningRate,
			Capability:   optCapability,
			DryRun:       optDryRun,
		}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.OptimizeRoutes(cmd.Context(), req))
		})
	},
}

var optimizeBanditCmd = &cobra.Command{
	Use:   "bandit",
	Short: "Adjust the exploration rate from aggregate performance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := optimize.BanditRequest{ExplorationRate: optionalRate(optRate)}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.TuneBandit(cmd.Context(), req))
		})
	},
}

var optimizeAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Report route performance with recommendations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.AnalyzePerformance(cmd.Context(), optimize.AnalyzeRequest{Capability: optCapability}))
		})
	},
}

// optionalRate maps the negative flag default to "not set".
func optionalRate(v float64) *float64 {
	if v < 0 {
		return nil
	}
	return &v
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
