package redis

const (
	// saveTokenScript atomically stores a token and indexes its owner
	saveTokenScript = `
local tokens_key = KEYS[1]     -- quotad:tokens:{userID}
local users_set = KEYS[2]      -- quotad:tokens:users

local user_id = ARGV[1]
local token = ARGV[2]
local payload = ARGV[3]
local ttl_seconds = tonumber(ARGV[4])

redis.call('HSET', tokens_key, token, payload)
redis.call('SADD', users_set, user_id)

-- Stale registrations age out unless re-registered
if ttl_seconds > 0 then
  redis.call('EXPIRE', tokens_key, ttl_seconds)
end

return 'OK'
`

	// deleteTokenScript removes a token and drops the owner from the index
	// once no tokens remain. Returns 0 when the token was unknown.
	deleteTokenScript = `
local tokens_key = KEYS[1]     -- quotad:tokens:{userID}
local users_set = KEYS[2]      -- quotad:tokens:users

local user_id = ARGV[1]
local token = ARGV[2]

local removed = redis.call('HDEL', tokens_key, token)
if removed == 0 then
  return 0
end

if redis.call('HLEN', tokens_key) == 0 then
  redis.call('SREM', users_set, user_id)
end

return 1
`
)
