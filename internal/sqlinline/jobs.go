package sqlinline

// Column order shared by every statement that returns a full job row.
const jobColumns = `id::text, seq, scope_id, subject_id, description, style, full_prompt,
       status, priority, image_urls, hero_index, error, retry_count,
       created_at, started_at, completed_at`

const QEnqueueJob = `--sql 13b60665-9ea4-42c6-959b-5519ecd2b73c
insert into image_generation_jobs (
    id, scope_id, subject_id, description, style, status, priority
)
values ($1::uuid, $2::text, $3::text, $4::text, $5::text, 'pending', $6::int)
returning id::text;
`

const QSelectJobByID = `--sql df667368-0873-4ed8-b645-8b268685a085
select ` + jobColumns + `
from image_generation_jobs
where id = $1::uuid;
`

const QSelectNextPendingJob = `--sql 2e601695-4b44-45c3-9f37-77b386b681bb
select ` + jobColumns + `
from image_generation_jobs
where status = 'pending'
order by priority desc, created_at asc, seq asc
limit 1;
`

// QTransitionJob applies a guarded status change. $3 resets the lifecycle
// timestamps before $4/$5 are applied; nullable parameters keep the stored value.
const QTransitionJob = `--sql 1a7b4917-ec6c-4d2d-95ab-411f23bcb763
update image_generation_jobs
set status       = $2::text,
    started_at   = coalesce($4::timestamptz, case when $3::bool then null else started_at end),
    completed_at = coalesce($5::timestamptz, case when $3::bool then null else completed_at end),
    image_urls   = case when $2::text = 'completed' then $6::text[] else '{}'::text[] end,
    hero_index   = coalesce($7::int, hero_index),
    full_prompt  = coalesce($8::text, full_prompt),
    error        = coalesce($9::text, error),
    retry_count  = coalesce($10::int, retry_count),
    updated_at   = now()
where id = $1::uuid
  and status = any($11::text[])
returning id::text;
`

const QSelectJobStatus = `--sql 7d69fd22-1f54-4322-b8ae-f260f505da72
select status
from image_generation_jobs
where id = $1::uuid;
`

const QSelectJobsByScope = `--sql 59cc97bd-964b-485c-9184-52f844a42b50
select ` + jobColumns + `
from image_generation_jobs
where scope_id = $1::text
order by created_at asc, seq asc;
`

const QSetHeroIndex = `--sql 172bc329-07e7-4ba8-b868-7a95325d3625
update image_generation_jobs
set hero_index = $2::int,
    updated_at = now()
where id = $1::uuid
  and status = 'completed'
  and $2::int >= 0
  and $2::int < cardinality(image_urls)
returning id::text;
`

const QPurgeTerminalJobs = `--sql 9ec5c3ca-64d4-45df-bcc5-d397d0cce96f
delete from image_generation_jobs
where status in ('completed', 'failed')
  and coalesce(completed_at, updated_at) < $1::timestamptz;
`

const QSelectStaleProcessingJobs = `--sql 4f0c2d7e-8b1a-4c39-a6e5-3d91b7f2c084
select ` + jobColumns + `
from image_generation_jobs
where status = 'processing'
  and started_at < $1::timestamptz
order by started_at asc;
`

// ListenJobEvents subscribes a dedicated connection to job change notifications.
const ListenJobEvents = `LISTEN image_job_events`
