package router

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"reportbot/internal/channels"
	"reportbot/internal/services/queue"
	"reportbot/internal/storage"
)

const msgHelp = `**Comandos disponíveis:**
` + "`!relatorio`" + ` — gera o relatório semanal do projeto deste canal
` + "`!relatorio sem-dashboard`" + ` — gera sem a seção de dashboard
` + "`!relatorio 10dias`" + ` ou ` + "`!relatorio dias=10`" + ` — limita o cronograma aos últimos N dias
` + "`!relatorio desde 16/12/2024`" + ` — cronograma a partir da data
` + "`!relatorio-semana 16/12/2024`" + ` — relatório da semana que contém a data
` + "`!relatorio-ultima-semana`" + ` — relatório da última semana completa
` + "`!fila`" + ` ou ` + "`!status`" + ` — mostra a fila de geração
` + "`!canais`" + ` — lista os canais configurados`

const msgReclaimed = "⚠️ A geração anterior excedeu o tempo limite e foi cancelada. Um novo relatório será gerado."

const msgQueueFull = "🚫 A fila de relatórios está cheia no momento. Tente novamente em alguns minutos."

const msgStopped = "🚫 O bot está sendo reiniciado. Tente novamente em instantes."

func msgQueued(position int) string {
	return fmt.Sprintf("📋 Pedido registrado! Posição na fila: %d.", position)
}

func msgAlreadyProcessing(activeFor time.Duration) string {
	return fmt.Sprintf("⏳ Já existe um relatório sendo gerado para este canal (há %s). Aguarde a conclusão.", humanDuration(activeFor))
}

func msgChannelList(all []channels.Info) string {
	if len(all) == 0 {
		return "Nenhum canal configurado."
	}
	var b strings.Builder
	b.WriteString("**Canais configurados:**\n")
	for _, info := range all {
		name := info.ProjectName
		if name == "" {
			name = info.ProjectID
		}
		status := "ativo"
		if !info.Active {
			status = "inativo"
		}
		fmt.Fprintf(&b, "• <#%s> — %s (%s)\n", info.ChannelID, name, status)
	}
	return strings.TrimRight(b.String(), "\n")
}

func msgStatus(snap queue.Snapshot, recent []storage.RunRecord, dir *channels.Directory, now time.Time) string {
	var b strings.Builder
	b.WriteString("**Fila de relatórios**\n")

	if !snap.Running {
		b.WriteString("🚫 O serviço está parado.\n")
	}

	busy := 0
	for _, w := range snap.Workers {
		if w.State == queue.WorkerProcessing {
			busy++
		}
	}
	fmt.Fprintf(&b, "Em processamento: %d | Na fila: %d | Trabalhadores: %d/%d ocupados\n",
		len(snap.Active), snap.QueueLen, busy, len(snap.Workers))

	for _, a := range snap.Active {
		fmt.Fprintf(&b, "• **%s** — em geração há %s\n",
			dir.ProjectName(a.ChannelID), humanDuration(now.Sub(a.StartedAt)))
	}

	fmt.Fprintf(&b, "Concluídos: %d | Falhas: %d", snap.Processed, snap.Failed)
	if snap.Dropped > 0 {
		fmt.Fprintf(&b, " | Descartados (fila cheia): %d", snap.Dropped)
	}

	if len(recent) > 0 {
		b.WriteString("\n\n**Últimos relatórios:**")
		for _, r := range recent {
			mark := "✅"
			if !r.OK {
				mark = "❌"
			}
			fmt.Fprintf(&b, "\n%s %s — %s", mark, r.At.Format("02/01 15:04"), dir.ProjectName(r.ChannelID))
			if !r.OK && r.Error != "" {
				fmt.Fprintf(&b, " (%s)", r.Error)
			}
		}
	}

	return b.String()
}

func humanDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d segundos", int(d.Seconds()))
	}
	m := int(d.Minutes())
	if m == 1 {
		return "1 minuto"
	}
	return fmt.Sprintf("%d minutos", m)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
