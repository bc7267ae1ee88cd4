package cmd

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/sudankdk/icee/internal/model"
)

var errExecutionFailed = errors.New("execution reported errors")

var runCmd = &cobra.Command{
	Use:   "run <assignment-id> <file>...",
	Short: "Run files against an assignment and stream the output",
	Long: `Send the given files to the server, run them for the assignment and
print the output as it arrives. Paths are sent relative to --dir.
Example: icee run CSharpHello Program.cs`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		buildOnly, _ := cmd.Flags().GetBool("build-only")
		debug, _ := cmd.Flags().GetBool("debug")

		payload, err := readPayload(args[0], dir, args[1:])
		if err != nil {
			return err
		}
		payload.BuildOnly = buildOnly

		resp, err := newClient().do(cmd.Context(), http.MethodPost, "/api/execute", payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		failed := false
		err = readEvents(resp.Body, func(event string, data []byte) error {
			switch event {
			case "log":
				var ev model.LogEvent
				if err := json.Unmarshal(data, &ev); err != nil {
					return err
				}
				switch ev.Severity {
				case model.SeverityError:
					failed = true
					fmt.Fprint(cmd.ErrOrStderr(), withNewline(ev.Message))
				case model.SeverityDebug:
					if debug {
						fmt.Fprint(cmd.ErrOrStderr(), withNewline(ev.Message))
					}
				default:
					fmt.Fprint(cmd.OutOrStdout(), ev.Message)
				}
			case "sourceErrors":
				var errs []model.SourceError
				if err := json.Unmarshal(data, &errs); err != nil {
					return err
				}
				for _, se := range errs {
					fmt.Fprintln(cmd.ErrOrStderr(), formatSourceError(se))
				}
			case "end":
				var end struct {
					Failed bool `json:"failed"`
				}
				if err := json.Unmarshal(data, &end); err != nil {
					return err
				}
				failed = failed || end.Failed
			}
			return nil
		})
		if err != nil {
			return err
		}
		if failed {
			return errExecutionFailed
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("dir", ".", "directory the file paths are relative to")
	runCmd.Flags().Bool("build-only", false, "only run the build stages")
	runCmd.Flags().Bool("debug", false, "also print debug events")
}

func readPayload(assignmentID, dir string, paths []string) (model.Payload, error) {
	payload := model.Payload{AssignmentID: assignmentID}
	for _, p := range paths {
		full := p
		if !filepath.IsAbs(p) {
			full = filepath.Join(dir, p)
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return model.Payload{}, err
		}
		rel, err := filepath.Rel(dir, full)
		if err != nil {
			return model.Payload{}, err
		}
		f := model.File{Filepath: filepath.ToSlash(rel)}
		if utf8.Valid(data) {
			f.Content = string(data)
		} else {
			f.Content = base64.StdEncoding.EncodeToString(data)
			f.ContentType = model.Base64Binary
		}
		payload.Files = append(payload.Files, f)
	}
	return payload, nil
}

func withNewline(s string) string {
	if s == "" || s[len(s)-1] != '\n' {
		return s + "\n"
	}
	return s
}

func formatSourceError(se model.SourceError) string {
	pos := se.AffectedFile
	if se.Line != nil {
		pos += fmt.Sprintf(":%d", *se.Line)
		if se.Column != nil {
			pos += fmt.Sprintf(":%d", *se.Column)
		}
	}
	if se.ErrorCode != "" {
		return fmt.Sprintf("%s: %s %s: %s", pos, se.Type, se.ErrorCode, se.ErrorMessage)
	}
	return fmt.Sprintf("%s: %s: %s", pos, se.Type, se.ErrorMessage)
}
