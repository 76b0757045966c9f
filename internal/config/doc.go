// Package config loads relay configuration and tracks the standard paths.
//
// # Loading
//
// Load merges configuration from several sources, later sources winning:
//
//  1. Global config in $XDG_CONFIG_HOME/agentrelay/
//  2. Project config in the work directory and its .agentrelay/ subdirectory
//  3. The file named by AGENTRELAY_CONFIG
//  4. Inline JSON in AGENTRELAY_CONFIG_CONTENT
//  5. Environment overrides (DISCORD_TOKEN, AGENTRELAY_ALLOWED_USERS,
//     AGENTRELAY_WORKDIR, AGENTRELAY_APPROVAL_TIMEOUT, AGENTRELAY_STORE,
//     AGENTRELAY_GATEWAY, AGENTRELAY_MODEL, REDIS_URL)
//
// In each directory agentrelay.json, agentrelay.jsonc, agentrelay.yaml and
// agentrelay.yml are tried. JSONC comments are stripped with tidwall/jsonc;
// YAML is decoded with yaml.v3. Unset fields keep types.DefaultConfig values.
//
// # Interpolation
//
// String values may contain {env:VAR} and {file:path} placeholders. Relative
// file paths resolve against the directory of the config file; ~/ expands to
// $HOME. A placeholder naming a missing file is left untouched.
//
// # Hot reload
//
// Watcher observes the loaded files with fsnotify and re-reads only the
// approval section (timeout, dangerous tools, bash rules, allowed users) when
// one changes. Other settings require a restart.
package config
