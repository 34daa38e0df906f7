package workflow

// Builtin returns the built-in workflow definitions.
func Builtin() []Definition {
	return []Definition{
		securityAudit(),
		quickScan(),
	}
}

// securityAudit runs the five audit stages; analysis workers run in parallel.
func securityAudit() Definition {
	return Definition{
		ID:          "security-audit",
		Name:        "Security Audit",
		Description: "Init, recon, parallel analysis, verification and report.",
		Builtin:     true,
		Stages: []Stage{
			{Name: "init", Tasks: []TaskSpec{{Kind: "init"}}},
			{Name: "recon", Tasks: []TaskSpec{{Kind: "recon"}}},
			{Name: "analysis", Parallel: true, Tasks: []TaskSpec{
				{Kind: "static_analysis"},
				{Kind: "dependency_analysis"},
				{Kind: "secret_scan"},
			}},
			{Name: "verification", Tasks: []TaskSpec{{Kind: "verification"}}},
			{Name: "report", Tasks: []TaskSpec{{Kind: "report", Priority: "high"}}},
		},
	}
}

// quickScan skips verification.
func quickScan() Definition {
	return Definition{
		ID:          "quick-scan",
		Name:        "Quick Scan",
		Description: "Recon followed by static analysis and a report.",
		Builtin:     true,
		Stages: []Stage{
			{Name: "recon", Tasks: []TaskSpec{{Kind: "recon"}}},
			{Name: "analysis", Tasks: []TaskSpec{{Kind: "static_analysis"}}},
			{Name: "report", Tasks: []TaskSpec{{Kind: "report"}}},
		},
	}
}
