package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Popie52/jobclerk/internal/model"
)

// RedisJobStore keeps each job in a hash and each project's ordering in a
// list (every job) and a sorted set scored by id (pending jobs only). Adds and
// claims run as Lua scripts so they are atomic on the server.
//
// Keys, all under prefix:
//
//	projects             hash  name -> created_at (unix nanos)
//	p:{name}:seq         string, last allocated job id
//	p:{name}:jobs        list of job ids in creation order
//	p:{name}:pending     zset of pending job ids
//	p:{name}:job:{id}    hash of job fields
type RedisJobStore struct {
	cli    *redis.Client
	prefix string
}

var _ Store = (*RedisJobStore)(nil)

func NewRedisJobStore(cli *redis.Client, prefix string) *RedisJobStore {
	if prefix == "" {
		prefix = "jobclerk"
	}
	return &RedisJobStore{cli: cli, prefix: prefix}
}

// OpenRedis connects and pings.
func OpenRedis(ctx context.Context, url, password string, db int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		// Plain host:port, the way the config is usually written.
		opts = &redis.Options{Addr: url}
	}
	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}

	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, err
	}
	return cli, nil
}

func (s *RedisJobStore) projectsKey() string { return s.prefix + ":projects" }

func (s *RedisJobStore) key(project, suffix string) string {
	return s.prefix + ":p:{" + project + "}:" + suffix
}

func (s *RedisJobStore) jobKey(project string, id int64) string {
	return s.key(project, "job:"+strconv.FormatInt(id, 10))
}

func (s *RedisJobStore) Migrate(_ context.Context) error { return nil }

func (s *RedisJobStore) Ping(ctx context.Context) error {
	return s.cli.Ping(ctx).Err()
}

func (s *RedisJobStore) Close() error {
	return s.cli.Close()
}

// Projects

func (s *RedisJobStore) EnsureProject(ctx context.Context, name string) error {
	now := time.Now().UTC().UnixNano()
	return s.cli.HSetNX(ctx, s.projectsKey(), name, now).Err()
}

func (s *RedisJobStore) Resolve(ctx context.Context, name string) (*model.Project, error) {
	v, err := s.cli.HGet(ctx, s.projectsKey(), name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return parseProject(name, v)
}

func (s *RedisJobStore) ListProjects(ctx context.Context) ([]*model.Project, error) {
	all, err := s.cli.HGetAll(ctx, s.projectsKey()).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*model.Project, 0, len(all))
	for name, v := range all {
		p, err := parseProject(name, v)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func parseProject(name, v string) (*model.Project, error) {
	nanos, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("project %q: bad created_at %q", name, v)
	}
	return &model.Project{Name: name, CreatedAt: time.Unix(0, nanos).UTC()}, nil
}

// Jobs

// KEYS: projects, seq, jobs, pending, job key prefix
// ARGV: project, payload
//
// created_at comes from the server clock and is clamped to the previous
// job's so creation order and id order agree.
var addJobScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
	return redis.error_reply("project not found")
end
local id = redis.call("INCR", KEYS[2])
local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])
if id > 1 then
	local prev = redis.call("HGET", KEYS[5] .. (id - 1), "created_at")
	if prev and tonumber(prev) > now then
		now = tonumber(prev)
	end
end
redis.call("HSET", KEYS[5] .. id,
	"id", id,
	"project", ARGV[1],
	"state", "pending",
	"payload", ARGV[2],
	"created_at", string.format("%d", now))
redis.call("RPUSH", KEYS[3], id)
redis.call("ZADD", KEYS[4], id, id)
return {id, now}
`)

func (s *RedisJobStore) AddJob(ctx context.Context, project string, payload json.RawMessage) (*model.Job, error) {
	res, err := addJobScript.Run(ctx, s.cli,
		[]string{
			s.projectsKey(),
			s.key(project, "seq"),
			s.key(project, "jobs"),
			s.key(project, "pending"),
			s.key(project, "job:"),
		},
		project, string(payload),
	).Slice()
	if err != nil {
		if err.Error() == "project not found" {
			return nil, model.ErrProjectNotFound
		}
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("add job: unexpected reply %v", res)
	}

	id, _ := res[0].(int64)
	micros, _ := res[1].(int64)
	return &model.Job{
		ID:        id,
		Project:   project,
		State:     model.StatePending,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.UnixMicro(micros).UTC(),
	}, nil
}

// KEYS: jobs, job key prefix
//
// Reads the id list and every job hash inside one script so no claim can
// land halfway through a listing.
var listJobsScript = redis.NewScript(`
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
local out = {}
for i, id in ipairs(ids) do
	out[i] = redis.call("HGETALL", KEYS[2] .. id)
end
return out
`)

func (s *RedisJobStore) ListJobs(ctx context.Context, project string) ([]*model.Job, error) {
	if _, err := s.Resolve(ctx, project); err != nil {
		return nil, err
	}

	res, err := listJobsScript.Run(ctx, s.cli,
		[]string{s.key(project, "jobs"), s.key(project, "job:")},
	).Slice()
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(res))
	for _, r := range res {
		fields, err := fieldMap(r)
		if err != nil {
			return nil, err
		}
		j, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *RedisJobStore) GetJob(ctx context.Context, project string, id int64) (*model.Job, error) {
	if _, err := s.Resolve(ctx, project); err != nil {
		return nil, err
	}

	fields, err := s.cli.HGetAll(ctx, s.jobKey(project, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, model.ErrJobNotFound
	}
	return decodeJob(fields)
}

func (s *RedisJobStore) PendingJobs(ctx context.Context, project string, limit int) ([]*model.Job, error) {
	if _, err := s.Resolve(ctx, project); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	ids, err := s.cli.ZRange(ctx, s.key(project, "pending"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	jobs, err := s.loadJobs(ctx, project, ids)
	if err != nil {
		return nil, err
	}

	// A job may have been claimed between the two reads.
	pending := jobs[:0]
	for _, j := range jobs {
		if j.State == model.StatePending {
			pending = append(pending, j)
		}
	}
	return pending, nil
}

// KEYS: job, pending
// ARGV: runner, token, id
//
// Returns 1 on success, 0 if the job is not pending, -1 if it does not exist.
var claimScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	return -1
end
if state ~= "pending" then
	return 0
end
local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])
redis.call("HSET", KEYS[1],
	"state", "claimed",
	"claimed_by", ARGV[1],
	"token", ARGV[2],
	"claimed_at", string.format("%d", now))
redis.call("ZREM", KEYS[2], ARGV[3])
return 1
`)

func (s *RedisJobStore) TryClaim(ctx context.Context, project string, id int64, runner, token string) (*model.Job, error) {
	if _, err := s.Resolve(ctx, project); err != nil {
		return nil, err
	}

	key := s.jobKey(project, id)
	res, err := claimScript.Run(ctx, s.cli,
		[]string{key, s.key(project, "pending")},
		runner, token, id,
	).Int()
	if err != nil {
		return nil, err
	}

	switch res {
	case -1:
		return nil, model.ErrJobNotFound
	case 0:
		return nil, model.ErrAlreadyClaimed
	}

	fields, err := s.cli.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return decodeJob(fields)
}

// Helpers

func (s *RedisJobStore) loadJobs(ctx context.Context, project string, ids []string) ([]*model.Job, error) {
	if len(ids) == 0 {
		return []*model.Job{}, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err := s.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.key(project, "job:"+id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		j, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// fieldMap turns a raw HGETALL reply into a field map.
func fieldMap(v interface{}) (map[string]string, error) {
	flat, ok := v.([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("decode job: unexpected reply %v", v)
	}
	f := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		val, _ := flat[i+1].(string)
		f[k] = val
	}
	return f, nil
}

func decodeJob(f map[string]string) (*model.Job, error) {
	id, err := strconv.ParseInt(f["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode job: id %q: %w", f["id"], err)
	}
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode job %d: created_at: %w", id, err)
	}

	j := &model.Job{
		ID:        id,
		Project:   f["project"],
		State:     model.State(f["state"]),
		Payload:   json.RawMessage(f["payload"]),
		ClaimedBy: f["claimed_by"],
		Token:     f["token"],
		CreatedAt: time.UnixMicro(created).UTC(),
	}
	if v, ok := f["claimed_at"]; ok {
		micros, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode job %d: claimed_at: %w", id, err)
		}
		t := time.UnixMicro(micros).UTC()
		j.ClaimedAt = &t
	}
	return j, nil
}
