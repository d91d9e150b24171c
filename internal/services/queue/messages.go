package queue

import (
	"fmt"
	"strings"

	"reportbot/internal/command"
)

func msgStarted(project string, p command.ReportParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔄 Gerando o relatório semanal do projeto **%s**", project)
	switch {
	case p.Days > 0:
		fmt.Fprintf(&b, " (últimos %d dias)", p.Days)
	case !p.Since.IsZero():
		fmt.Fprintf(&b, " (desde %s)", command.FormatDate(p.Since))
	case !p.Reference.IsZero():
		fmt.Fprintf(&b, " (semana de %s)", command.FormatDate(p.Reference))
	}
	b.WriteString("... Isso pode levar alguns minutos. ⏳")
	return b.String()
}

func msgSuccess(project, artifactURL string) string {
	if artifactURL == "" {
		return fmt.Sprintf("✅ Relatório do projeto **%s** concluído, mas não encontrei o link do documento. Verifique o Drive do projeto.", project)
	}
	return fmt.Sprintf("✅ Relatório do projeto **%s** pronto!\n📄 %s", project, artifactURL)
}

func msgFailure(project, reason string) string {
	if reason == "" {
		reason = "erro inesperado ao gerar o relatório."
	}
	return fmt.Sprintf("❌ Não foi possível gerar o relatório do projeto **%s**: %s", project, reason)
}

func msgAdminFailure(project, channelID, reason string) string {
	if reason == "" {
		reason = "erro inesperado"
	}
	return fmt.Sprintf("⚠️ Falha ao gerar o relatório do projeto **%s** (canal %s): %s", project, channelID, reason)
}
