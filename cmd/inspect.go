package cmd

import (
	"encoding/csv"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mht-to-html/mhtml"
	"github.com/dhcgn/mht-to-html/scan"
	"github.com/dhcgn/mht-to-html/stats"
)

// archiveReport describes one parsed archive.
type archiveReport struct {
	Path      string
	Parts     int
	Skipped   int
	Resources int
	HasBody   bool
	Err       error
}

type inspection struct {
	Archives   []archiveReport
	MediaTypes map[string]int
	// parts of the last archive, printed when a single file is inspected
	parts     []mhtml.Part
	bodyIndex int
}

func (in inspection) failed() int {
	n := 0
	for _, a := range in.Archives {
		if a.Err != nil || !a.HasBody {
			n++
		}
	}
	return n
}

// NewInspectCommand returns the "inspect" subcommand, which lists the parts of
// MHT archives without converting anything.
func NewInspectCommand() *cobra.Command {
	var (
		reportDir string
		topN      int
		strict    bool
	)

	command := &cobra.Command{
		Use:   "inspect [archive or folder]",
		Short: "Show the parts and resources of MHT archives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			fmt.Println("Inspecting:", target)

			result, err := inspectPath(target, mhtml.Options{Strict: strict})
			if err != nil {
				return err
			}

			if len(result.Archives) == 1 && result.parts != nil {
				if err := printParts(result.parts, result.bodyIndex); err != nil {
					return err
				}
			}
			printArchives(result)

			fmt.Printf("\nTop %d media types:\n", topN)
			stats.PrettyPrintTop(result.MediaTypes, topN)

			if reportDir != "" {
				if err := saveCSVReports(result, reportDir); err != nil {
					return fmt.Errorf("error saving CSV reports: %w", err)
				}
				fmt.Printf("\nReports saved to directory: %s\n", reportDir)
			}
			return nil
		},
	}

	command.Flags().StringVarP(&reportDir, "report-dir", "r", "", "Write CSV reports into this directory")
	command.Flags().IntVarP(&topN, "top", "t", 10, "Number of top media types to display")
	command.Flags().BoolVar(&strict, "strict", false, "Fail an archive when any of its parts cannot be decoded")
	return command
}

func inspectPath(target string, opts mhtml.Options) (inspection, error) {
	result := inspection{MediaTypes: make(map[string]int), bodyIndex: -1}

	info, err := os.Stat(target)
	if err != nil {
		return result, err
	}
	if !info.IsDir() {
		result.inspectFile(target, filepath.Base(target), opts)
		return result, nil
	}

	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !scan.IsArchive(d.Name()) {
			return nil
		}
		rel, relErr := filepath.Rel(target, path)
		if relErr != nil {
			rel = path
		}
		result.inspectFile(path, filepath.ToSlash(rel), opts)
		return nil
	})
	result.parts = nil
	return result, err
}

func (in *inspection) inspectFile(path, name string, opts mhtml.Options) {
	report := archiveReport{Path: name}
	defer func() { in.Archives = append(in.Archives, report) }()

	f, err := os.Open(path)
	if err != nil {
		report.Err = err
		return
	}
	defer f.Close()

	archive, err := mhtml.Parse(f, opts)
	if err != nil {
		report.Err = err
		return
	}

	report.Parts = len(archive.Parts)
	report.Skipped = archive.Skipped()
	report.HasBody = archive.BodyIndex() >= 0
	table := archive.Resources()
	report.Resources = table.Len()
	for _, p := range archive.Parts {
		in.MediaTypes[p.MediaType]++
	}
	in.parts = archive.Parts
	in.bodyIndex = archive.BodyIndex()
}

func printParts(parts []mhtml.Part, bodyIndex int) error {
	data := pterm.TableData{{"#", "Media type", "Content-ID", "Content-Location", "Bytes", ""}}
	for _, p := range parts {
		marker := ""
		if p.Index == bodyIndex {
			marker = "body"
		} else if p.IsAttachment() {
			marker = "attachment"
		}
		data = append(data, []string{
			strconv.Itoa(p.Index),
			p.MediaType,
			p.ContentID,
			shorten(p.ContentLocation, 60),
			strconv.Itoa(len(p.Payload)),
			marker,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printArchives(in inspection) {
	for _, a := range in.Archives {
		switch {
		case a.Err != nil:
			pterm.Error.Printf("%s: %v\n", a.Path, a.Err)
		case !a.HasBody:
			pterm.Warning.Printf("%s: %d parts, no HTML body\n", a.Path, a.Parts)
		default:
			pterm.Info.Printf("%s: %d parts, %d resources, %d skipped\n", a.Path, a.Parts, a.Resources, a.Skipped)
		}
	}
	fmt.Printf("\n%d/%d archives convertible\n", len(in.Archives)-in.failed(), len(in.Archives))
}

func shorten(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func saveCSVReports(in inspection, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	mediaRows := [][]string{{"Value", "Count"}}
	for _, p := range stats.TopN(in.MediaTypes, -1) {
		mediaRows = append(mediaRows, []string{p.Key, strconv.Itoa(p.Value)})
	}
	if err := writeCSV(filepath.Join(dir, "report_media_types.csv"), mediaRows); err != nil {
		return err
	}

	archiveRows := [][]string{{"Path", "Parts", "Resources", "Skipped", "HasBody", "Error"}}
	for _, a := range in.Archives {
		errText := ""
		if a.Err != nil {
			errText = strings.ReplaceAll(a.Err.Error(), "\n", " ")
		}
		archiveRows = append(archiveRows, []string{
			a.Path,
			strconv.Itoa(a.Parts),
			strconv.Itoa(a.Resources),
			strconv.Itoa(a.Skipped),
			strconv.FormatBool(a.HasBody),
			errText,
		})
	}
	return writeCSV(filepath.Join(dir, "report_archives.csv"), archiveRows)
}

func writeCSV(path string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return file.Close()
}
