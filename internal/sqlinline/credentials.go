package sqlinline

const QSelectProviderCredential = `--sql 9de5f37e-1cd5-4ca3-8a91-c74a1d58523d
select api_key
from provider_credentials
where provider = $1::text
limit 1;
`

const QUpsertProviderCredential = `--sql 793c21a0-93d2-4918-a0cc-f1cac4f7cacf
insert into provider_credentials (provider, api_key, properties, created_at, updated_at)
values ($1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now(), now())
on conflict (provider) do update set
    api_key = excluded.api_key,
    properties = excluded.properties,
    updated_at = now();
`
