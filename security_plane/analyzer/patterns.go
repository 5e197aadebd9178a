package analyzer

import "regexp"

// Threat severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
)

// Threat categories.
const (
	CategoryFilesystemWrite = "filesystem-write"
	CategoryProcessSpawn    = "process-spawn"
	CategoryDynamicEval     = "dynamic-eval"
	CategoryPrivateNetwork  = "private-network"
	CategoryInfiniteLoop    = "infinite-loop"
	CategoryCryptoMining    = "crypto-mining"
	CategoryUnparsable      = "unparsable"
)

// Point deductions per severity, applied against a starting score of 100.
var deductions = map[string]int{
	SeverityCritical: 30,
	SeverityHigh:     20,
	SeverityMedium:   10,
}

type patternRule struct {
	category string
	severity string
	re       *regexp.Regexp
}

// threatRules are matched line by line, in order, so identical input always
// yields identical threat lists. Each family covers the common spellings
// across the plugin runtimes we accept.
var threatRules = []patternRule{
	// (a) filesystem write calls
	{CategoryFilesystemWrite, SeverityHigh, regexp.MustCompile(`\b(?:fs\s*\.\s*(?:write|append|unlink|rm|rename|mkdir|chmod)\w*|writeFileSync|createWriteStream|os\s*\.\s*(?:remove|rename|unlink)|shutil\s*\.\s*rmtree|open\s*\(\s*[^)]*,\s*['"][wa][b+]?['"])`)},
	{CategoryFilesystemWrite, SeverityHigh, regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`)},

	// (b) process / subprocess spawning
	{CategoryProcessSpawn, SeverityCritical, regexp.MustCompile(`\b(?:child_process|subprocess|execSync|spawnSync|popen|proc_open|shell_exec)\b`)},
	{CategoryProcessSpawn, SeverityCritical, regexp.MustCompile(`\b(?:exec|spawn|fork|system)\s*\(`)},

	// (c) dynamic code evaluation
	{CategoryDynamicEval, SeverityCritical, regexp.MustCompile(`\beval\s*\(|\bnew\s+Function\s*\(|\bFunction\s*\(\s*['"]|\bvm\s*\.\s*runIn\w*Context|\bimportlib\s*\.\s*import_module|\b__import__\s*\(`)},
	{CategoryDynamicEval, SeverityCritical, regexp.MustCompile(`\bset(?:Timeout|Interval)\s*\(\s*['"]`)},

	// (d) loopback / private / link-local network literals
	{CategoryPrivateNetwork, SeverityHigh, regexp.MustCompile(`\b(?:127\.0\.0\.1|0\.0\.0\.0|localhost|10\.\d{1,3}\.\d{1,3}\.\d{1,3}|192\.168\.\d{1,3}\.\d{1,3}|172\.(?:1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}|169\.254\.\d{1,3}\.\d{1,3})\b`)},

	// (e) unconditional infinite loops
	{CategoryInfiniteLoop, SeverityMedium, regexp.MustCompile(`\bwhile\s*\(\s*(?:true|1)\s*\)|\bfor\s*\(\s*;\s*;\s*\)|\bwhile\s+True\s*:`)},

	// (f) cryptocurrency-mining fingerprints
	{CategoryCryptoMining, SeverityCritical, regexp.MustCompile(`(?i)\b(?:coinhive|cryptonight|stratum\+tcp|xmrig|minerd|nicehash|coin-?imp|webminer|monero\s*wallet|hashrate)\b`)},
}

// depDenylist flags known-malicious or typosquat-prone dependency name
// patterns. Matches become Warnings, not Threats: the vulnerability audit at
// install time has the final say.
var depDenylist = []*regexp.Regexp{
	regexp.MustCompile(`^event-stream$`),
	regexp.MustCompile(`^flatmap-stream$`),
	regexp.MustCompile(`^eslint-scope$`),
	regexp.MustCompile(`^crossenv$`),
	regexp.MustCompile(`^(?:.*-)?(?:miner|cryptojack)(?:-.*)?$`),
	regexp.MustCompile(`^(?:loadyaml|loadsh|jquey|mumpy|crypt-keeper)$`),
}
