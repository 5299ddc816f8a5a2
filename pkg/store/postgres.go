package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Repository. Schema management is handled
// out of band; this store only reads and writes the tables listed in the
// queries below.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the given DSN and pings the database.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) GetSubAgent(ctx context.Context, scope Scope, subAgentID string) (*SubAgent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, agent_id, name, description, prompt, models, stop_when,
		       history_config, context_config_id, data_components,
		       artifact_components, status_updates
		FROM sub_agents
		WHERE tenant_id = $1 AND project_id = $2 AND id = $3`,
		scope.TenantID, scope.ProjectID, subAgentID)

	var sub SubAgent
	var models, stopWhen, historyCfg, dataComponents, artifactComponents, statusUpdates []byte
	var contextConfigID *string
	err := row.Scan(&sub.ID, &sub.AgentID, &sub.Name, &sub.Description, &sub.Prompt,
		&models, &stopWhen, &historyCfg, &contextConfigID,
		&dataComponents, &artifactComponents, &statusUpdates)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sub-agent %s: %w", subAgentID, err)
	}

	if contextConfigID != nil {
		sub.ContextConfigID = *contextConfigID
	}
	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{models, &sub.Models},
		{stopWhen, &sub.StopWhen},
		{historyCfg, &sub.HistoryConfig},
		{dataComponents, &sub.DataComponents},
		{artifactComponents, &sub.ArtifactComponents},
		{statusUpdates, &sub.StatusUpdates},
	} {
		if len(pair.raw) > 0 {
			if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
				return nil, fmt.Errorf("failed to decode sub-agent %s column: %w", subAgentID, err)
			}
		}
	}
	return &sub, nil
}

func (s *PostgresStore) GetAgentWithSubAgents(ctx context.Context, scope Scope) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, default_sub_agent_id, models
		FROM agents
		WHERE tenant_id = $1 AND project_id = $2 AND id = $3`,
		scope.TenantID, scope.ProjectID, scope.AgentID)

	var agent Agent
	var models []byte
	err := row.Scan(&agent.ID, &agent.Name, &agent.Description, &agent.DefaultSubAgentID, &models)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", scope.AgentID, err)
	}
	if len(models) > 0 {
		if err := json.Unmarshal(models, &agent.Models); err != nil {
			return nil, fmt.Errorf("failed to decode agent models: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM sub_agents
		WHERE tenant_id = $1 AND project_id = $2 AND agent_id = $3
		ORDER BY id`,
		scope.TenantID, scope.ProjectID, scope.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sub-agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		sub, err := s.GetSubAgent(ctx, scope, id)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			agent.SubAgents = append(agent.SubAgents, *sub)
		}
	}
	return &agent, nil
}

func (s *PostgresStore) GetRelatedAgents(ctx context.Context, scope Scope, subAgentID string) (*RelatedAgents, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT target_sub_agent_id, name, description, relation_type, url,
		       credential_ref, headers, can_transfer, can_delegate
		FROM sub_agent_relations
		WHERE tenant_id = $1 AND project_id = $2 AND source_sub_agent_id = $3
		ORDER BY target_sub_agent_id`,
		scope.TenantID, scope.ProjectID, subAgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load relations for %s: %w", subAgentID, err)
	}
	defer rows.Close()

	rel := &RelatedAgents{}
	for rows.Next() {
		var r RelatedAgent
		var headers []byte
		if err := rows.Scan(&r.SubAgentID, &r.Name, &r.Description, &r.RelationType,
			&r.URL, &r.CredentialRef, &headers, &r.CanTransfer, &r.CanDelegate); err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &r.Headers); err != nil {
				return nil, fmt.Errorf("failed to decode relation headers: %w", err)
			}
		}
		if r.RelationType == RelationInternal {
			rel.Internal = append(rel.Internal, r)
		} else {
			rel.External = append(rel.External, r)
		}
	}
	return rel, rows.Err()
}

func (s *PostgresStore) GetToolsForSubAgent(ctx context.Context, scope Scope, subAgentID string) ([]ToolConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.name, t.server_url, t.transport, t.command, t.args,
		       t.credential_ref, t.headers, st.active_tools
		FROM sub_agent_tools st
		JOIN tool_configs t ON t.id = st.tool_id
		WHERE st.tenant_id = $1 AND st.project_id = $2 AND st.sub_agent_id = $3
		ORDER BY t.id`,
		scope.TenantID, scope.ProjectID, subAgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tools for %s: %w", subAgentID, err)
	}
	defer rows.Close()

	var out []ToolConfig
	for rows.Next() {
		var tc ToolConfig
		var headers []byte
		if err := rows.Scan(&tc.ID, &tc.Name, &tc.ServerURL, &tc.Transport, &tc.Command,
			&tc.Args, &tc.CredentialRef, &headers, &tc.ActiveTools); err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &tc.Headers); err != nil {
				return nil, fmt.Errorf("failed to decode tool headers: %w", err)
			}
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetFunctionToolsForSubAgent(ctx context.Context, scope Scope, subAgentID string) ([]FunctionTool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, function_id, name, description, input_schema
		FROM function_tools
		WHERE tenant_id = $1 AND project_id = $2 AND sub_agent_id = $3
		ORDER BY id`,
		scope.TenantID, scope.ProjectID, subAgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load function tools for %s: %w", subAgentID, err)
	}
	defer rows.Close()

	var out []FunctionTool
	for rows.Next() {
		var ft FunctionTool
		var schema []byte
		if err := rows.Scan(&ft.ID, &ft.FunctionID, &ft.Name, &ft.Description, &schema); err != nil {
			return nil, err
		}
		if len(schema) > 0 {
			if err := json.Unmarshal(schema, &ft.InputSchema); err != nil {
				return nil, fmt.Errorf("failed to decode function tool schema: %w", err)
			}
		}
		out = append(out, ft)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetFunction(ctx context.Context, scope Scope, functionID string) (*Function, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, runtime, code, deps, timeout_ms, vcpus
		FROM functions
		WHERE tenant_id = $1 AND project_id = $2 AND id = $3`,
		scope.TenantID, scope.ProjectID, functionID)

	var fn Function
	var deps []byte
	err := row.Scan(&fn.ID, &fn.Runtime, &fn.Code, &deps, &fn.TimeoutMs, &fn.VCPUs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load function %s: %w", functionID, err)
	}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &fn.Deps); err != nil {
			return nil, fmt.Errorf("failed to decode function deps: %w", err)
		}
	}
	return &fn, nil
}

func (s *PostgresStore) GetCredentialReference(ctx context.Context, scope Scope, refID string) (*CredentialReference, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, credential_store, retrieval_params
		FROM credential_references
		WHERE tenant_id = $1 AND project_id = $2 AND id = $3`,
		scope.TenantID, scope.ProjectID, refID)

	var ref CredentialReference
	var params []byte
	err := row.Scan(&ref.ID, &ref.Type, &ref.CredentialStore, &params)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential reference %s: %w", refID, err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &ref.RetrievalParams); err != nil {
			return nil, fmt.Errorf("failed to decode retrieval params: %w", err)
		}
	}
	return &ref, nil
}

func (s *PostgresStore) GetContextConfigByID(ctx context.Context, scope Scope, configID string) (*ContextConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, trigger, definitions
		FROM context_configs
		WHERE tenant_id = $1 AND project_id = $2 AND id = $3`,
		scope.TenantID, scope.ProjectID, configID)

	var cfg ContextConfig
	var defs []byte
	err := row.Scan(&cfg.ID, &cfg.Trigger, &defs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context config %s: %w", configID, err)
	}
	if len(defs) > 0 {
		if err := json.Unmarshal(defs, &cfg.Definitions); err != nil {
			return nil, fmt.Errorf("failed to decode context definitions: %w", err)
		}
	}
	return &cfg, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, scope Scope, conversationID string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, project_id, active_sub_agent_id, created_at
		FROM conversations
		WHERE tenant_id = $1 AND project_id = $2 AND id = $3`,
		scope.TenantID, scope.ProjectID, conversationID)

	var convo Conversation
	err := row.Scan(&convo.ID, &convo.TenantID, &convo.ProjectID, &convo.ActiveSubAgentID, &convo.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	return &convo, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, scope Scope, conversation *Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, tenant_id, project_id, active_sub_agent_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		conversation.ID, scope.TenantID, scope.ProjectID,
		conversation.ActiveSubAgentID, orNow(conversation.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetActiveSubAgentForConversation(ctx context.Context, scope Scope, conversationID, subAgentID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, tenant_id, project_id, active_sub_agent_id, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET active_sub_agent_id = EXCLUDED.active_sub_agent_id`,
		conversationID, scope.TenantID, scope.ProjectID, subAgentID)
	if err != nil {
		return fmt.Errorf("failed to set active sub-agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversationHistory(ctx context.Context, scope Scope, conversationID string, opts HistoryOptions) ([]Message, error) {
	query := `
		SELECT id, conversation_id, role, message_type, visibility, content,
		       from_sub_agent_id, to_sub_agent_id, from_external_agent_id,
		       to_external_agent_id, task_id, a2a_task_id, metadata, created_at
		FROM messages
		WHERE tenant_id = $1 AND project_id = $2 AND conversation_id = $3`
	args := []any{scope.TenantID, scope.ProjectID, conversationID}

	if len(opts.MessageTypes) > 0 {
		query += fmt.Sprintf(" AND message_type = ANY($%d)", len(args)+1)
		args = append(args, opts.MessageTypes)
	}
	if !opts.IncludeInternal {
		query += fmt.Sprintf(" AND visibility <> $%d", len(args)+1)
		args = append(args, VisibilityInternal)
	}
	if opts.Limit > 0 {
		// Take the most recent N while keeping ascending order.
		query = fmt.Sprintf(`SELECT * FROM (%s ORDER BY created_at DESC LIMIT $%d) sub ORDER BY created_at ASC`,
			query, len(args)+1)
		args = append(args, opts.Limit)
	} else {
		query += " ORDER BY created_at ASC"
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var content, metadata []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.MessageType, &m.Visibility,
			&content, &m.FromSubAgentID, &m.ToSubAgentID, &m.FromExternalAgentID,
			&m.ToExternalAgentID, &m.TaskID, &m.A2ATaskID, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(content) > 0 {
			if err := json.Unmarshal(content, &m.Content); err != nil {
				return nil, fmt.Errorf("failed to decode message content: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode message metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMessage(ctx context.Context, scope Scope, message *Message) error {
	content, err := json.Marshal(message.Content)
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}
	metadata, err := json.Marshal(message.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode message metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, tenant_id, project_id, conversation_id, role,
			message_type, visibility, content, from_sub_agent_id, to_sub_agent_id,
			from_external_agent_id, to_external_agent_id, task_id, a2a_task_id,
			metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO NOTHING`,
		message.ID, scope.TenantID, scope.ProjectID, message.ConversationID,
		message.Role, message.MessageType, message.Visibility, content,
		message.FromSubAgentID, message.ToSubAgentID, message.FromExternalAgentID,
		message.ToExternalAgentID, message.TaskID, message.A2ATaskID, metadata,
		orNow(message.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, scope Scope, task *Task) error {
	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode task metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, tenant_id, project_id, conversation_id, sub_agent_id,
			status, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (id) DO NOTHING`,
		task.ID, scope.TenantID, scope.ProjectID, task.ConversationID,
		task.SubAgentID, task.Status, metadata, orNow(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, scope Scope, task *Task) error {
	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode task metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE tasks SET status = $4, metadata = $5, updated_at = now()
		WHERE tenant_id = $1 AND project_id = $2 AND id = $3`,
		scope.TenantID, scope.ProjectID, task.ID, task.Status, metadata)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, scope Scope, taskID string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, sub_agent_id, status, metadata, created_at, updated_at
		FROM tasks
		WHERE tenant_id = $1 AND project_id = $2 AND id = $3`,
		scope.TenantID, scope.ProjectID, taskID)

	var task Task
	var metadata []byte
	err := row.Scan(&task.ID, &task.ConversationID, &task.SubAgentID, &task.Status,
		&metadata, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode task metadata: %w", err)
		}
	}
	return &task, nil
}

func (s *PostgresStore) ListTaskIDsByContext(ctx context.Context, scope Scope, conversationID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM tasks
		WHERE tenant_id = $1 AND project_id = $2 AND conversation_id = $3
		ORDER BY created_at`,
		scope.TenantID, scope.ProjectID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetLedgerArtifacts(ctx context.Context, scope Scope, taskID string) ([]Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT artifact_id, task_id, name, description, type, summary, full_payload,
		       tool_call_id, artifact_type, base_selector, created_at
		FROM artifacts
		WHERE tenant_id = $1 AND project_id = $2 AND task_id = $3
		ORDER BY artifact_id`,
		scope.TenantID, scope.ProjectID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifacts for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var summary, full []byte
		if err := rows.Scan(&a.ArtifactID, &a.TaskID, &a.Name, &a.Description, &a.Type,
			&summary, &full, &a.Metadata.ToolCallID, &a.Metadata.ArtifactType,
			&a.Metadata.BaseSelector, &a.CreatedAt); err != nil {
			return nil, err
		}
		if len(summary) > 0 {
			if err := json.Unmarshal(summary, &a.Summary); err != nil {
				return nil, fmt.Errorf("failed to decode artifact summary: %w", err)
			}
		}
		if len(full) > 0 {
			if err := json.Unmarshal(full, &a.Full); err != nil {
				return nil, fmt.Errorf("failed to decode artifact payload: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertArtifact(ctx context.Context, scope Scope, artifact *Artifact) error {
	summary, err := json.Marshal(artifact.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode artifact summary: %w", err)
	}
	full, err := json.Marshal(artifact.Full)
	if err != nil {
		return fmt.Errorf("failed to encode artifact payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO artifacts (artifact_id, task_id, tenant_id, project_id, name,
			description, type, summary, full_payload, tool_call_id, artifact_type,
			base_selector, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (task_id, artifact_id, tool_call_id) DO UPDATE
			SET name = EXCLUDED.name, description = EXCLUDED.description`,
		artifact.ArtifactID, artifact.TaskID, scope.TenantID, scope.ProjectID,
		artifact.Name, artifact.Description, artifact.Type, summary, full,
		artifact.Metadata.ToolCallID, artifact.Metadata.ArtifactType,
		artifact.Metadata.BaseSelector, orNow(artifact.CreatedAt))
	if err != nil {
		// A racing duplicate insert already wrote the same row.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("failed to upsert artifact: %w", err)
	}
	return nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
