package redis

import goredis "github.com/redis/go-redis/v9"

// Presence is a hash per session: one field per instance, each holding the
// viewers that instance has connected, plus an "hb:<instance>" field with
// the time that instance last touched the key. The total is the sum of the
// fields whose instance has been seen within the staleness window; fields of
// instances that went quiet are removed while summing.
// ARGV for every presence script: [1]=instance, [2]=now ms, [3]=stale ms,
// [4]=key ttl ms, [5]=local count (reconcile only).

// presenceSum is shared by every presence script.
const presenceSum = `
local now = tonumber(ARGV[2])
local stale = tonumber(ARGV[3])
local fields = redis.call('HGETALL', KEYS[1])
local seen = {}
for i = 1, #fields, 2 do
  local f = fields[i]
  if string.sub(f, 1, 3) == 'hb:' then seen[string.sub(f, 4)] = tonumber(fields[i + 1]) or 0 end
end
local total = 0
for i = 1, #fields, 2 do
  local f = fields[i]
  if string.sub(f, 1, 3) ~= 'hb:' then
    local hb = seen[f]
    if hb == nil or now - hb > stale then
      redis.call('HDEL', KEYS[1], f, 'hb:' .. f)
    else
      local n = tonumber(fields[i + 1]) or 0
      if n > 0 then total = total + n end
    end
  end
end
return total
`

const presenceTouch = `
redis.call('HSET', KEYS[1], 'hb:' .. ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
`

var presenceJoinScript = goredis.NewScript(`
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
` + presenceTouch + presenceSum)

// Clamps the instance field at zero so a stray leave never goes negative.
var presenceLeaveScript = goredis.NewScript(`
local v = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if v < 0 then redis.call('HSET', KEYS[1], ARGV[1], 0) end
` + presenceTouch + presenceSum)

var presencePeekScript = goredis.NewScript(presenceSum)

var presenceReconcileScript = goredis.NewScript(`
if tonumber(ARGV[5]) > 0 then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[5])
` + presenceTouch + `
else
  redis.call('HDEL', KEYS[1], ARGV[1], 'hb:' .. ARGV[1])
end
` + presenceSum)

// reserveScript grants the item unless an unexpired hold exists. The item
// key holds "id|holder|expires_ms" and lives exactly as long as the hold.
// KEYS: [1]=item key, [2]=record key for the new id
// ARGV: [1]=now ms, [2]=holder, [3]=new id, [4]=item id, [5]=hold ms,
// [6]=record ttl ms
// Returns {status, id} with status one of acquired, held, conflict.
var reserveScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local id, holder, exp = string.match(cur, '^([^|]+)|(.*)|(%d+)$')
  if id and tonumber(exp) > tonumber(ARGV[1]) then
    if holder == ARGV[2] then return {'held', id} end
    return {'conflict', id}
  end
end
local expires = tonumber(ARGV[1]) + tonumber(ARGV[5])
redis.call('SET', KEYS[1], ARGV[3] .. '|' .. ARGV[2] .. '|' .. expires, 'PX', ARGV[5])
redis.call('HSET', KEYS[2],
  'id', ARGV[3], 'item_id', ARGV[4], 'holder_id', ARGV[2],
  'acquired_ms', ARGV[1], 'expires_ms', expires)
redis.call('PEXPIRE', KEYS[2], ARGV[6])
return {'acquired', ARGV[3]}
`)

// releaseScript marks the record released once and frees the item key if it
// still points at this reservation.
// KEYS: [1]=record key, [2]=item key
// ARGV: [1]=now ms, [2]=id
var releaseScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if not redis.call('HGET', KEYS[1], 'released_ms') then
  redis.call('HSET', KEYS[1], 'released_ms', ARGV[1])
end
local cur = redis.call('GET', KEYS[2])
if cur and string.sub(cur, 1, string.len(ARGV[2]) + 1) == ARGV[2] .. '|' then
  redis.call('DEL', KEYS[2])
end
return 1
`)

// Leader lease: only the holder may extend or drop it.
// ARGV: [1]=instance, [2]=ttl ms
var leaderRenewScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
if cur ~= ARGV[1] then return -1 end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// ARGV: [1]=instance
var leaderReleaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
