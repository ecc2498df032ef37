package valkey

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Each script is one indivisible step in Valkey. Status words are returned as
// plain strings; successful results are JSON documents.
//
// Scripts that follow the refresh index build the token key from a prefix
// argument, so all keys of one tenant must live on the same node.

// luaConsumeAuthorizationCode checks and marks a code used.
// A client or redirect mismatch leaves the code untouched.
//
// KEYS[1] = code key
// ARGV[1] = now in Unix milliseconds
// ARGV[2] = client ID
// ARGV[3] = redirect URI
//
// Returns the updated JSON, or NOT_FOUND, ALREADY_USED, EXPIRED, MISMATCH.
const luaConsumeAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
if code.used then
    return 'ALREADY_USED'
end

local now = tonumber(ARGV[1])
if now >= tonumber(code.expires_at) then
    return 'EXPIRED'
end

if code.client_id ~= ARGV[2] or code.redirect_uri ~= ARGV[3] then
    return 'MISMATCH'
end

code.used = true
code.used_at = now
local out = cjson.encode(code)
redis.call('SET', KEYS[1], out, 'KEEPTTL')
return out
`

// luaSupersede defines supersede(rec, now), the Lua twin of
// storage.TokenRecord.Supersede. It returns nil rather than an empty table so
// cjson never writes {} where the record expects an array.
const luaSupersede = `
local function supersede(rec, now)
    local out = {}
    if type(rec.superseded_access) == 'table' then
        for _, a in ipairs(rec.superseded_access) do
            if now < tonumber(a.expires_at) then
                table.insert(out, a)
            end
        end
    end
    if rec.access_token_id and now < tonumber(rec.access_expires_at) then
        table.insert(out, {id = rec.access_token_id, expires_at = tonumber(rec.access_expires_at)})
    end
    if #out == 0 then
        return nil
    end
    return out
end
`

// luaRefreshPreamble resolves KEYS[1] (the refresh index) to the token record
// and applies the shared rotation preconditions. It leaves accessID, oldKey
// and rec in scope.
//
// ARGV[1] = now in Unix milliseconds
// ARGV[2] = client ID
// ARGV[3] = token key prefix of the tenant
const luaRefreshPreamble = `
local accessID = redis.call('GET', KEYS[1])
if not accessID then
    return 'NOT_FOUND'
end

local oldKey = ARGV[3] .. accessID
local data = redis.call('GET', oldKey)
if not data then
    return 'NOT_FOUND'
end

local rec = cjson.decode(data)
if rec.client_id ~= ARGV[2] then
    return 'CLIENT_MISMATCH'
end
if rec.revoked then
    return 'REVOKED'
end
if tonumber(ARGV[1]) >= tonumber(rec.refresh_expires_at) then
    return 'EXPIRED'
end
`

// luaRotateRefreshToken replaces a record with its successor and blacklists
// the old refresh token.
//
// KEYS[1] = old refresh index key
// KEYS[2] = new token key
// KEYS[3] = new refresh index key
// KEYS[4] = revocation key of the old refresh token
// KEYS[5] = client token set key, members are token keys
// ARGV[1..3] = see luaRefreshPreamble
// ARGV[4] = new record JSON
// ARGV[5] = new access ID
// ARGV[6] = new record TTL in milliseconds
// ARGV[7] = revocation entry JSON
// ARGV[8] = revocation TTL in milliseconds, 0 when already inert
//
// The successor inherits the live superseded access tokens of the old record.
//
// Returns the superseded record JSON or a status word.
const luaRotateRefreshToken = luaSupersede + luaRefreshPreamble + `
local nextRec = cjson.decode(ARGV[4])
nextRec.superseded_access = supersede(rec, tonumber(ARGV[1]))

redis.call('DEL', KEYS[1], oldKey)
redis.call('SREM', KEYS[5], oldKey)

redis.call('SET', KEYS[2], cjson.encode(nextRec), 'PX', ARGV[6])
redis.call('SET', KEYS[3], ARGV[5], 'PX', ARGV[6])
redis.call('SADD', KEYS[5], KEYS[2])

if tonumber(ARGV[8]) > 0 then
    redis.call('SET', KEYS[4], ARGV[7], 'PX', ARGV[8], 'NX')
end

return data
`

// luaTouchRefreshToken swaps the access token of a record, keeping the old
// one in its superseded list.
//
// KEYS[1] = refresh index key
// KEYS[2] = new token key
// KEYS[3] = client token set key
// ARGV[1..3] = see luaRefreshPreamble
// ARGV[4] = new access ID
// ARGV[5] = new access expiry in Unix milliseconds
//
// Returns the updated record JSON or a status word.
const luaTouchRefreshToken = luaSupersede + luaRefreshPreamble + `
rec.superseded_access = supersede(rec, tonumber(ARGV[1]))
rec.access_token_id = ARGV[4]
rec.access_expires_at = tonumber(ARGV[5])
rec.last_used_at = tonumber(ARGV[1])

local ttl = redis.call('PTTL', oldKey)
redis.call('DEL', oldKey)
redis.call('SREM', KEYS[3], oldKey)

local out = cjson.encode(rec)
if ttl > 0 then
    redis.call('SET', KEYS[2], out, 'PX', ttl)
else
    redis.call('SET', KEYS[2], out)
end
redis.call('SET', KEYS[1], ARGV[4], 'KEEPTTL')
redis.call('SADD', KEYS[3], KEYS[2])

return out
`

// luaRevokeTokenRecord marks the record holding a token ID revoked and
// extends its TTL by the retention period.
//
// KEYS[1] = token key, if the ID is an access ID
// KEYS[2] = refresh index key, if the ID is a refresh ID
// ARGV[1] = now in Unix milliseconds
// ARGV[2] = token key prefix of the tenant
// ARGV[3] = refresh key prefix of the tenant
// ARGV[4] = retention in milliseconds
//
// Returns the record JSON or NOT_FOUND.
const luaRevokeTokenRecord = `
local key = KEYS[1]
local data = redis.call('GET', key)
if not data then
    local accessID = redis.call('GET', KEYS[2])
    if not accessID then
        return 'NOT_FOUND'
    end
    key = ARGV[2] .. accessID
    data = redis.call('GET', key)
    if not data then
        return 'NOT_FOUND'
    end
end

local rec = cjson.decode(data)
if rec.revoked then
    return data
end

rec.revoked = true
rec.revoked_at = tonumber(ARGV[1])
local out = cjson.encode(rec)

local retention = tonumber(ARGV[4])
local ttl = redis.call('PTTL', key)
if ttl > 0 then
    redis.call('SET', key, out, 'PX', ttl + retention)
else
    redis.call('SET', key, out, 'KEEPTTL')
end

if rec.refresh_token_id and rec.refresh_token_id ~= '' then
    local refreshKey = ARGV[3] .. rec.refresh_token_id
    local rttl = redis.call('PTTL', refreshKey)
    if rttl > 0 then
        redis.call('PEXPIRE', refreshKey, rttl + retention)
    end
end

return out
`

// luaConsumeBackupCode removes a backup code hash from the unconsumed set.
//
// KEYS[1] = enrollment key
// KEYS[2] = backup code set key
// ARGV[1] = code hash
//
// Returns {removed, remaining}; removed is -1 when the user is not enrolled.
const luaConsumeBackupCode = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {-1, 0}
end
local removed = redis.call('SREM', KEYS[2], ARGV[1])
return {removed, redis.call('SCARD', KEYS[2])}
`

// luaMarkTOTPStepUsed advances the last accepted step if the new one is newer.
//
// KEYS[1] = enrollment key
// KEYS[2] = TOTP step key
// ARGV[1] = step
//
// Returns OK, NOT_ENROLLED or REPLAYED.
const luaMarkTOTPStepUsed = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'NOT_ENROLLED'
end
local last = tonumber(redis.call('GET', KEYS[2]) or '0')
local step = tonumber(ARGV[1])
if step <= last then
    return 'REPLAYED'
end
redis.call('SET', KEYS[2], ARGV[1])
return 'OK'
`

// luaReplaceBackupCodes swaps the backup code set.
//
// KEYS[1] = enrollment key
// KEYS[2] = backup code set key
// ARGV = code hashes
//
// Returns OK or NOT_ENROLLED.
const luaReplaceBackupCodes = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'NOT_ENROLLED'
end
redis.call('DEL', KEYS[2])
if #ARGV > 0 then
    redis.call('SADD', KEYS[2], unpack(ARGV))
end
return 'OK'
`
