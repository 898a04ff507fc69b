package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

// DiagramDescription accompanies Diagram in API responses.
const DiagramDescription = "Pipeline workflow - shows the flow between RequirementAnalyzer, ArtifactGenerator, and VerificationGenerator agents"

// Diagram returns a Mermaid flowchart of the pipeline, labelled with the
// current gate thresholds.
func (o *Orchestrator) Diagram() string {
	req := o.thresholdLabel(pipeline.StageRequirement)
	gen := o.thresholdLabel(pipeline.StageGeneration)
	ver := o.thresholdLabel(pipeline.StageVerification)

	var b strings.Builder
	line := func(format string, args ...any) {
		b.WriteString("    ")
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	b.WriteString("graph TD\n")
	line("START([Start]) --> RA[Requirement Analyzer]")
	line("RA --> QC1{Quality Check}")
	line("QC1 -->|confidence >= %s| Decision{Action Type?}", req)
	line("QC1 -->|confidence < %s| RA_STRICT[Retry Strict Mode]", req)
	line("RA_STRICT --> Decision")
	line("Decision -->|%s| BUNDLE[Create Bundle]", pipeline.ActionExtractRequirements)
	line("Decision -->|%s| CG[Artifact Generator]", pipeline.ActionGenerateArtifact)
	line("Decision -->|%s| TG[Verification Generator]", pipeline.ActionGenerateVerification)
	line("Decision -->|%s| CG", pipeline.ActionFullPipeline)
	line("CG --> QC2{Quality Check}")
	line("QC2 -->|confidence >= %s| Decision2{Continue?}", gen)
	line("QC2 -->|confidence < %s| CG_STRICT[Retry Strict Mode]", gen)
	line("CG_STRICT --> Decision2")
	line("Decision2 -->|%s| TG", pipeline.ActionFullPipeline)
	line("Decision2 -->|%s| BUNDLE", pipeline.ActionGenerateArtifact)
	line("TG --> QC3{Quality Check}")
	line("QC3 -->|confidence >= %s| BUNDLE", ver)
	line("QC3 -->|confidence < %s| TG_STRICT[Retry Strict Mode]", ver)
	line("TG_STRICT --> BUNDLE")
	line("BUNDLE --> END([Output Bundle])")
	b.WriteByte('\n')
	line("style RA fill:#e1f5fe")
	line("style CG fill:#fff3e0")
	line("style TG fill:#e8f5e9")
	line("style BUNDLE fill:#f3e5f5")
	line("style QC1 fill:#ffebee")
	line("style QC2 fill:#ffebee")
	line("style QC3 fill:#ffebee")
	return b.String()
}

func (o *Orchestrator) thresholdLabel(stage pipeline.Stage) string {
	t, ok := o.gate.Threshold(stage)
	if !ok {
		return "0"
	}
	return fmt.Sprintf("%g", t)
}
