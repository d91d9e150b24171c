package command

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// UsageError carries a user-facing message (Portuguese) explaining what was
// wrong with an otherwise recognized command.
type UsageError struct{ Msg string }

func (e *UsageError) Error() string { return e.Msg }

func usageErrf(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// IsUsageError reports whether err is a user-facing parse failure.
func IsUsageError(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

var daysSuffixRe = regexp.MustCompile(`^(\d+)dias$`)

const dateLayout = "02/01/2006"

// ParseDate accepts DD/MM/YYYY with either "/" or "-" separators.
func ParseDate(s string) (time.Time, error) {
	norm := strings.ReplaceAll(strings.TrimSpace(s), "-", "/")
	t, err := time.Parse(dateLayout, norm)
	if err != nil {
		return time.Time{}, usageErrf("Data inválida: `%s`. Use o formato DD/MM/AAAA, por exemplo `16/12/2024`.", s)
	}
	return t, nil
}

// FormatDate renders t in the DD/MM/YYYY form the generator expects.
func FormatDate(t time.Time) string { return t.Format(dateLayout) }

// Parse inspects a raw message text. ok is false when the text is not a
// bot command at all (no "!" prefix or unknown verb); err is non-nil when
// a recognized command has invalid arguments.
func Parse(text string) (cmd Command, ok bool, err error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") {
		return Command{}, false, nil
	}

	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "!relatorio", "!relatório":
		params, err := parseReportArgs(args)
		if err != nil {
			return Command{}, true, err
		}
		return Command{Kind: KindGenerateReport, Params: params}, true, nil

	case "!relatorio-semana", "!relatório-semana":
		if len(args) != 1 {
			return Command{}, true, usageErrf("Uso: `!relatorio-semana DD/MM/AAAA` (gera o relatório da semana que contém a data).")
		}
		ref, err := ParseDate(args[0])
		if err != nil {
			return Command{}, true, err
		}
		return Command{Kind: KindGenerateReport, Params: ReportParams{Reference: ref}}, true, nil

	case "!relatorio-ultima-semana", "!relatório-última-semana":
		if len(args) != 0 {
			return Command{}, true, usageErrf("Uso: `!relatorio-ultima-semana` (sem argumentos).")
		}
		return Command{Kind: KindGenerateReport, Params: ReportParams{LastWeek: true}}, true, nil

	case "!fila", "!status":
		return Command{Kind: KindShowStatus}, true, nil

	case "!canais":
		return Command{Kind: KindListChannels}, true, nil

	case "!ajuda", "!help":
		return Command{Kind: KindHelp}, true, nil
	}

	return Command{}, false, nil
}

func parseReportArgs(args []string) (ReportParams, error) {
	var p ReportParams

	for i := 0; i < len(args); i++ {
		tok := strings.ToLower(args[i])

		switch {
		case tok == "sem-dashboard":
			p.HideDashboard = true

		case daysSuffixRe.MatchString(tok):
			n, err := strconv.Atoi(daysSuffixRe.FindStringSubmatch(tok)[1])
			if err != nil || n <= 0 {
				return ReportParams{}, usageErrf("Número de dias inválido: `%s`.", args[i])
			}
			p.Days = n

		case strings.HasPrefix(tok, "dias="):
			n, err := strconv.Atoi(strings.TrimPrefix(tok, "dias="))
			if err != nil || n <= 0 {
				return ReportParams{}, usageErrf("Número de dias inválido: `%s`. Use `dias=N`, por exemplo `dias=10`.", args[i])
			}
			p.Days = n

		case tok == "desde":
			// optional filler word: "desde dia 16/12/2024"
			j := i + 1
			if j < len(args) && strings.ToLower(args[j]) == "dia" {
				j++
			}
			if j >= len(args) {
				return ReportParams{}, usageErrf("Faltou a data após `desde`. Exemplo: `!relatorio desde 16/12/2024`.")
			}
			since, err := ParseDate(args[j])
			if err != nil {
				return ReportParams{}, err
			}
			p.Since = since
			i = j

		default:
			return ReportParams{}, usageErrf("Opção desconhecida: `%s`. Use `!ajuda` para ver os comandos disponíveis.", args[i])
		}
	}

	return p, nil
}
