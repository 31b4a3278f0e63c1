package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nsljw/Judge-final/internal/casefile"
	"github.com/nsljw/Judge-final/internal/verdictpdf"
)

// envelope is the saved adjudication snapshot this tool rebuilds a ruling
// document from.
type envelope struct {
	Case         casefile.Case           `json:"case"`
	Decision     casefile.Decision       `json:"decision"`
	Participants []casefile.Participant  `json:"participants"`
	Evidence     []casefile.EvidenceItem `json:"evidence"`
	IssuedAt     time.Time               `json:"issued_at"`
}

func main() {
	inputPath := flag.String("input", "", "Path to saved adjudication envelope JSON")
	outputPath := flag.String("output", "", "Path to write rebuilt markdown (defaults to stdout)")
	pdfPath := flag.String("pdf", "", "Optional path to render the ruling PDF")
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("missing required -input")
	}

	in, err := os.ReadFile(*inputPath)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(in, &env); err != nil {
		log.Fatalf("decode input JSON: %v", err)
	}
	if env.IssuedAt.IsZero() {
		env.IssuedAt = time.Now()
	}

	markdown := verdictpdf.BuildMarkdown(env.Case, env.Decision, env.Participants, env.Evidence, env.IssuedAt)
	if err := writeMarkdown(*outputPath, markdown); err != nil {
		log.Fatalf("write markdown: %v", err)
	}

	if *pdfPath != "" {
		renderer := verdictpdf.NewChromiumRenderer()
		pdf, err := renderer.Render(context.Background(), env.Case, env.Decision, env.Participants, env.Evidence)
		if err != nil {
			log.Fatalf("render pdf: %v", err)
		}
		if err := os.WriteFile(*pdfPath, pdf, 0o644); err != nil {
			log.Fatalf("write pdf: %v", err)
		}
	}
}

func writeMarkdown(outputPath, markdown string) error {
	if outputPath == "" {
		_, err := fmt.Print(markdown)
		return err
	}
	return os.WriteFile(outputPath, []byte(markdown), 0o644)
}
