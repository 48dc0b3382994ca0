package steps

import "github.com/shaiso/Cascade/internal/domain"

// Ключи встроенных шагов.
const (
	KeyCreatePersonas     = "create_personas"
	KeyBiografias         = "biografias"
	KeyAtribuicoes        = "atribuicoes"
	KeyCompetencias       = "competencias"
	KeyAvatares           = "avatares"
	KeyAutomationAnalysis = "automation_analysis"
	KeyWorkflows          = "workflows"
	KeyMachineLearning    = "machine_learning"
	KeyAuditoria          = "auditoria"
)

// DefaultSteps возвращает встроенный каскад генерации данных тенанта.
//
// Команды не заданы: без steps-файла шаги выполняются функциями,
// зарегистрированными в worker.Registry.
func DefaultSteps() []domain.CascadeStep {
	return []domain.CascadeStep{
		{ID: "01", Order: 1, ScriptKey: KeyCreatePersonas, Name: "Criar Personas"},
		{ID: "02", Order: 2, ScriptKey: KeyBiografias, Name: "Gerar Biografias"},
		{ID: "03", Order: 3, ScriptKey: KeyAtribuicoes, Name: "Atribuições"},
		{ID: "04", Order: 4, ScriptKey: KeyCompetencias, Name: "Competências"},
		{ID: "05", Order: 5, ScriptKey: KeyAvatares, Name: "Avatares"},
		{ID: "06", Order: 6, ScriptKey: KeyAutomationAnalysis, Name: "Análise Automação"},
		{ID: "07", Order: 7, ScriptKey: KeyWorkflows, Name: "Workflows N8N"},
		{ID: "08", Order: 8, ScriptKey: KeyMachineLearning, Name: "Machine Learning"},
		{ID: "09", Order: 9, ScriptKey: KeyAuditoria, Name: "Auditoria"},
	}
}

// DefaultRegistry создаёт реестр со встроенным каскадом.
func DefaultRegistry() *Registry {
	return MustRegistry(DefaultSteps())
}
