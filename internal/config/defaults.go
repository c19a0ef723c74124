package config

// DefaultConfigYAML is written to .undercity/config.yaml by `undercity init`
// and is also the baseline the loader merges CLI flags and environment
// variables on top of.
const DefaultConfigYAML = `
log:
  level: info
  format: auto
  file: .undercity/logs/current.log

state:
  dir: .undercity
  lock_ttl: 10m

git:
  worktree_dir: .worktrees
  remote: origin
  main_branch: main
  conflict_strategy: manual

retrieval:
  db_path: .undercity/rag.sqlite
  chunk_target_tokens: 400
  chunk_min_tokens: 64
  vector_weight: 0.5
  fts_weight: 0.5
  default_limit: 10

governor:
  pacer_rate_per_sec: 0.5
  pacer_burst: 1

run:
  parallelism: 2
  starting_tier: T0
  max_tier: T2
  max_attempts: 3
  max_retries_per_tier: 2
  review_passes: 1
  max_review_passes_per_tier: 2
  max_opus_review_passes: 1
  opus_budget_percent: 20
  auto_commit: true
  push_on_success: false
  continuous: false
  duration: ""
  max_count: 0
  agent: claude
  agent_path: ""
  verify:
    command: ["go", "build", "./..."]
    timeout: 5m

http:
  host: 127.0.0.1
  port: 8177
  no_cors: false
`
