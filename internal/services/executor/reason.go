package executor

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
)

// classifyFailure maps a generator failure to a short Portuguese
// explanation the requester can act on.
func classifyFailure(ctx context.Context, err error, stderr string) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "a geração demorou demais e foi interrompida. Tente novamente em alguns minutos."
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return "a geração foi cancelada."
	}

	low := strings.ToLower(stderr)
	switch {
	case containsAny(low, "credential", "authentication", "unauthorized", "401", "invalid_grant"):
		return "falha de autenticação com o Google. As credenciais precisam ser renovadas."
	case containsAny(low, "permission", "forbidden", "403"):
		return "sem permissão para acessar a planilha ou o documento do projeto."
	case containsAny(low, "quota", "rate limit", "429"):
		return "limite de uso da API do Google atingido. Tente novamente mais tarde."
	case containsAny(low, "not found", "404"):
		return "planilha ou documento do projeto não encontrado. Verifique a configuração."
	case containsAny(low, "no data", "empty", "sem dados", "nenhum dado"):
		return "não há dados de cronograma para o período solicitado."
	case containsAny(low, "connection", "timeout", "timed out", "network"):
		return "falha de rede ao acessar os serviços do Google. Tente novamente."
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code > 0 {
			return "o gerador de relatórios terminou com erro (código " + strconv.Itoa(code) + ")."
		}
	}
	return "erro inesperado ao gerar o relatório."
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
