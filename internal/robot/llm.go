package robot

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/resilience"
	"github.com/sells-group/corpus/pkg/anthropic"
)

const (
	distillSystem = `You extract atomic factual claims from documents. Respond with JSON only,
no prose: {"claims":[{"text":"...","confidence":0.0}]}. Each claim is one
self-contained factual statement; confidence is your belief it is stated by
the document, in [0,1]. When prior claims are provided as context, do not
repeat them; extract only what this text adds.`

	compareSystem = `You compare a list of new claims against a list of existing claims.
Classify every new claim as novel (not covered by the existing claims),
redundant (already stated), or contradicting (incompatible with an existing
claim). Respond with JSON only:
{"novel":0,"redundant":0,"contradictions":[{"claim_index":0,"severity":0.0}]}.
Severity is how irreconcilable the contradiction is, in [0,1]. The counts
plus the contradiction list must cover every new claim exactly once.`

	classifySystem = `You assign a short topic to a document: at most five words, lowercase.
Respond with JSON only: {"topic":"..."}.`
)

// Executor runs one job against hosted models. The zero value is not
// usable; construct with NewExecutor.
type Executor struct {
	anthropic      anthropic.Client
	openai         *openai.Client
	breakers       *resilience.ServiceBreakers
	distillModel   string
	compareModel   string
	embeddingModel string
}

// NewExecutor wires the model clients. Classification shares the compare
// model, which is the cheaper of the two. Each provider sits behind its own
// circuit breaker so a rate-limited or degraded provider fails jobs fast
// instead of burning the poll budget on timeouts.
func NewExecutor(ac anthropic.Client, oc *openai.Client, distillModel, compareModel, embeddingModel string) *Executor {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.ShouldTrip = resilience.IsTransient
	return &Executor{
		anthropic:      ac,
		openai:         oc,
		breakers:       resilience.NewServiceBreakers(cfg),
		distillModel:   distillModel,
		compareModel:   compareModel,
		embeddingModel: embeddingModel,
	}
}

// Execute runs the job and returns the result to submit. A non-nil error
// means the job should be failed; the server decides whether it retries.
func (e *Executor) Execute(ctx context.Context, job *model.Job) (any, error) {
	payload, err := model.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return nil, err
	}

	switch job.Type {
	case model.JobDistillClaims:
		return e.distill(ctx, payload.(*model.DistillPayload))
	case model.JobEmbedClaims:
		return e.embed(ctx, payload.(*model.EmbedPayload))
	case model.JobCompareClaims:
		return e.compare(ctx, payload.(*model.ComparePayload))
	case model.JobClassifyTopic:
		return e.classify(ctx, payload.(*model.ClassifyPayload))
	default:
		return nil, eris.Errorf("robot: unsupported job type %q", job.Type)
	}
}

func (e *Executor) distill(ctx context.Context, p *model.DistillPayload) (*model.DistillResult, error) {
	var prompt strings.Builder
	if len(p.Context) > 0 {
		prompt.WriteString("Claims already extracted from earlier parts of this document:\n")
		for _, c := range p.Context {
			prompt.WriteString("- ")
			prompt.WriteString(c.Text)
			prompt.WriteByte('\n')
		}
		prompt.WriteByte('\n')
	}
	prompt.WriteString("Document (")
	prompt.WriteString(p.ContentType)
	prompt.WriteString("):\n")
	prompt.WriteString(p.Content)

	text, err := e.message(ctx, e.distillModel, distillSystem, prompt.String())
	if err != nil {
		return nil, err
	}

	var result model.DistillResult
	if err := parseJSON(text, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *Executor) compare(ctx context.Context, p *model.ComparePayload) (*model.CompareResult, error) {
	var prompt strings.Builder
	prompt.WriteString("Existing claims:\n")
	for _, c := range p.AgainstClaims {
		prompt.WriteString("- ")
		prompt.WriteString(c.Text)
		prompt.WriteByte('\n')
	}
	prompt.WriteString("\nNew claims (indexed from 0):\n")
	for i, c := range p.Claims {
		prompt.WriteString("- [")
		prompt.WriteString(strconv.Itoa(i))
		prompt.WriteString("] ")
		prompt.WriteString(c.Text)
		prompt.WriteByte('\n')
	}

	text, err := e.message(ctx, e.compareModel, compareSystem, prompt.String())
	if err != nil {
		return nil, err
	}

	var result model.CompareResult
	if err := parseJSON(text, &result); err != nil {
		return nil, err
	}
	if result.Novel+result.Redundant+len(result.Contradictions) != len(p.Claims) {
		return nil, eris.Errorf("robot: comparison covers %d of %d claims",
			result.Novel+result.Redundant+len(result.Contradictions), len(p.Claims))
	}
	return &result, nil
}

func (e *Executor) classify(ctx context.Context, p *model.ClassifyPayload) (*model.ClassifyResult, error) {
	text, err := e.message(ctx, e.compareModel, classifySystem, p.Content)
	if err != nil {
		return nil, err
	}

	var result model.ClassifyResult
	if err := parseJSON(text, &result); err != nil {
		return nil, err
	}
	if result.Topic == "" {
		return nil, eris.New("robot: empty topic")
	}
	return &result, nil
}

func (e *Executor) embed(ctx context.Context, p *model.EmbedPayload) (*model.EmbedResult, error) {
	texts := make([]string, 0, len(p.Claims))
	for _, c := range p.Claims {
		texts = append(texts, c.Text)
	}

	resp, err := resilience.ExecuteVal(ctx, e.breakers.Get("openai"),
		func(ctx context.Context) (openai.EmbeddingResponse, error) {
			return e.openai.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: strings.Join(texts, "\n"),
				Model: openai.EmbeddingModel(e.embeddingModel),
			})
		})
	if err != nil {
		return nil, eris.Wrap(err, "robot: create embedding")
	}
	if len(resp.Data) == 0 {
		return nil, eris.New("robot: embedding response empty")
	}

	vec := make([]float64, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float64(v)
	}
	return &model.EmbedResult{Embedding: vec}, nil
}

// message sends one prompt. The system block carries a cache breakpoint so
// repeated jobs of the same type reuse the cached prefix.
func (e *Executor) message(ctx context.Context, modelID, system, prompt string) (string, error) {
	resp, err := resilience.ExecuteVal(ctx, e.breakers.Get("anthropic"),
		func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return e.anthropic.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     modelID,
				MaxTokens: 4096,
				System:    anthropic.CachedSystem(system),
				Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
			})
		})
	if err != nil {
		return "", err
	}
	resp.Usage.LogCost(modelID, "worker")

	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", eris.New("robot: response has no text content")
}

// parseJSON extracts the first JSON object from model output, tolerating
// code fences and surrounding prose.
func parseJSON(text string, v any) error {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return eris.Errorf("robot: no JSON object in model output: %.80s", text)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return eris.Wrap(err, "robot: parse model output")
	}
	return nil
}
