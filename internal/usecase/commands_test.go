package usecase

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"channel-relay/internal/domain"
)

func runCommand(t *testing.T, env *testEnv, id domain.ConversationID, command string) []string {
	t.Helper()
	before := len(env.sender.textsFor(id))
	action := env.relay.HandleMessage(context.Background(), mention(id, "Admin", command))
	require.Equal(t, ActionCommand, action)
	return env.sender.textsFor(id)[before:]
}

func seedConversation(t *testing.T, env *testEnv, id domain.ConversationID) {
	t.Helper()
	env.relay.HandleMessage(context.Background(), mention(id, "Alice", "hello"))
	env.relay.Wait()
}

func TestCommand_CheckAndUnknown(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})

	require.Equal(t, []string{"!Watching this channel."}, runCommand(t, env, chanA, "!check"))
	require.Equal(t, []string{msgUnrecognized}, runCommand(t, env, chanA, "!nope"))
	require.Equal(t, []string{msgUnrecognized}, runCommand(t, env, chanA, "!check extra"))
	require.Equal(t, []string{msgUnrecognized}, runCommand(t, env, chanA, "!"))
	require.Empty(t, env.backend.calls())
}

func TestCommand_ListChannel(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})
	require.Equal(t, []string{"!Reply channels:\n<#11>\n<#22>"}, runCommand(t, env, chanA, "!list_channel"))

	env.channels.remove(chanB)
	env.channels.mu.Lock()
	env.channels.allowed[domain.ConversationID{GuildID: "g2", ChannelID: 5}] = true
	env.channels.mu.Unlock()
	require.Equal(t, []string{"!Reply channels:\n<#11>"}, runCommand(t, env, chanA, "!list_channel"))
}

func TestCommand_SendAndResetConfig(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})

	require.Equal(t, []string{replies["config_not_found"]}, runCommand(t, env, chanA, "!send_config"))
	require.Equal(t, []string{replies["config_not_found"]}, runCommand(t, env, chanA, "!reset_config"))

	env.store.instructions[chanA] = "be brief\n"
	require.Empty(t, runCommand(t, env, chanA, "!send_config"))
	files := env.sender.filesFor(chanA)
	require.Len(t, files, 1)
	require.Equal(t, "g1_11_config.txt", files[0].filename)
	require.Equal(t, "be brief\n", string(files[0].data))

	require.Equal(t, []string{"!Config file deleted."}, runCommand(t, env, chanA, "!reset_config"))
	require.Len(t, env.sender.filesFor(chanA), 2, "config is sent before deletion")
	_, ok := env.store.instructions[chanA]
	require.False(t, ok)
}

func TestCommand_ResetConfigDeleteFailure(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})
	env.store.instructions[chanA] = "x"
	env.store.failWrites = true

	require.Equal(t, []string{replies["config_delete_failed"]}, runCommand(t, env, chanA, "!reset_config"))
}

func TestCommand_SendHistory(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})
	require.Equal(t, []string{replies["history_not_found"]}, runCommand(t, env, chanA, "!send_history"))

	seedConversation(t, env, chanA)
	runCommand(t, env, chanA, "!send_history")

	files := env.sender.filesFor(chanA)
	require.Len(t, files, 1)
	require.Equal(t, "chat_history_g1_11.json", files[0].filename)
	require.JSONEq(t, `[{"role":"user","parts":["Alice: hello"]},{"role":"model","parts":["hi"]}]`, string(files[0].data))
}

func TestCommand_ResetChat(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})
	require.Equal(t, []string{replies["reset_history_not_found"]}, runCommand(t, env, chanA, "!reset_chat"))

	seedConversation(t, env, chanA)
	env.store.instructions[chanA] = "rules\n"
	env.relay.HandleMessage(context.Background(), plain(chanA, "Bob", "pending"))

	out := runCommand(t, env, chanA, "!reset_chat")
	require.Equal(t, []string{"!Config file deleted.", "!Chat history has been reset."}, out)

	buffer, _, transcript := env.state(chanA)
	require.Empty(t, buffer)
	require.Empty(t, transcript)
	require.NotContains(t, env.store.transcripts, chanA)
	require.NotContains(t, env.store.instructions, chanA)
	require.Len(t, env.sender.filesFor(chanA), 2, "history and config are sent as a backup")

	require.Equal(t, []string{replies["history_not_found"]}, runCommand(t, env, chanA, "!send_history"))
}

func TestCommand_SaveListLoadRoundTrip(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})
	require.Equal(t, []string{replies["save_history_not_found"]}, runCommand(t, env, chanA, "!save_chat"))
	require.Equal(t, []string{"!No saved chat history."}, runCommand(t, env, chanA, "!list_chat"))

	seedConversation(t, env, chanA)
	env.store.instructions[chanA] = "persona\n"
	_, _, original := env.state(chanA)

	out := runCommand(t, env, chanA, "!save_chat")
	require.Len(t, out, 2)
	require.Equal(t, "!Chat history saved.", out[0])
	name := out[1]
	require.True(t, strings.HasPrefix(name, snapshotLabel+"_"))

	require.Equal(t, []string{"!Saved chat history:\n**" + name + "**: saved"}, runCommand(t, env, chanA, "!list_chat"))

	runCommand(t, env, chanA, "!reset_chat")
	_, _, cleared := env.state(chanA)
	require.Empty(t, cleared)

	out = runCommand(t, env, chanA, "!load_chat "+name)
	require.Equal(t, []string{"!Restored chat history and config from " + name + "."}, out)

	_, _, restored := env.state(chanA)
	require.Equal(t, original, restored)
	require.Equal(t, "persona\n", env.store.instructions[chanA])
	require.Equal(t, original, env.store.transcripts[chanA])

	env.relay.HandleMessage(context.Background(), mention(chanA, "Alice", "continue"))
	env.relay.Wait()
	calls := env.backend.calls()
	require.Equal(t, original, calls[len(calls)-1].History)
	require.Equal(t, "persona\n", calls[len(calls)-1].Instruction)
}

func TestCommand_SaveFailure(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})
	seedConversation(t, env, chanA)
	env.store.failWrites = true

	require.Equal(t, []string{replies["save_failed"]}, runCommand(t, env, chanA, "!save_chat"))
}

func TestCommand_LoadChatErrors(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})

	require.Equal(t, []string{replies["load_usage"]}, runCommand(t, env, chanA, "!load_chat"))
	require.Equal(t, []string{replies["load_usage"]}, runCommand(t, env, chanA, "!load_chat a b"))
	require.Equal(t, []string{replies["snapshot_not_found"]}, runCommand(t, env, chanA, "!load_chat missing"))

	_, _, transcript := env.state(chanA)
	require.Empty(t, transcript)
}

func TestCommand_LoadChatBacksUpCurrentConversation(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})
	seedConversation(t, env, chanA)
	name, err := env.store.SaveSnapshot(context.Background(), chanA, domain.Transcript{
		{Role: domain.RoleUser, Parts: []string{"old"}},
	}, "old rules", "manual")
	require.NoError(t, err)

	runCommand(t, env, chanA, "!load_chat "+name)

	files := env.sender.filesFor(chanA)
	require.Len(t, files, 2)
	require.Equal(t, historyFilename(chanA), files[0].filename)
	require.Equal(t, configFilename(chanA), files[1].filename)

	_, _, transcript := env.state(chanA)
	require.Equal(t, domain.Transcript{{Role: domain.RoleUser, Parts: []string{"old"}}}, transcript)
}

func TestCommand_LoadChatIsScopedToGuild(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})
	other := domain.ConversationID{GuildID: "g2", ChannelID: 11}
	name, err := env.store.SaveSnapshot(context.Background(), other, nil, "", "foreign")
	require.NoError(t, err)

	require.Equal(t, []string{replies["snapshot_not_found"]}, runCommand(t, env, chanA, "!load_chat "+name))
}

func TestCommand_SendAndResetBuffered(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})
	ctx := context.Background()

	require.Equal(t, []string{"!The buffer is empty."}, runCommand(t, env, chanA, "!send_buffered"))

	env.relay.HandleMessage(ctx, plain(chanA, "Bob", "one"))
	env.relay.HandleMessage(ctx, plain(chanA, "Carol", "two"))
	env.relay.HandleMessage(ctx, plain(chanB, "Dave", "elsewhere"))

	require.Equal(t, []string{"!Buffered messages:\nBob: one,\nCarol: two,\n"}, runCommand(t, env, chanA, "!send_buffered"))
	require.Equal(t, []string{"!Buffer cleared."}, runCommand(t, env, chanA, "!reset_buffered"))

	bufA, _, _ := env.state(chanA)
	bufB, _, _ := env.state(chanB)
	require.Empty(t, bufA)
	require.Equal(t, []string{"Dave: elsewhere,\n"}, bufB, "other channels are untouched")
}

func TestCommand_SendLast(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("the answer"), Options{})
	require.Equal(t, []string{replies["last_not_found"]}, runCommand(t, env, chanA, "!send_last"))

	seedConversation(t, env, chanA)
	require.Equal(t, []string{"!Last message:\n**model**: the answer"}, runCommand(t, env, chanA, "!send_last"))
}

func TestCommand_SendLastEmptyHistory(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})
	env.store.transcripts[chanA] = domain.Transcript{}

	require.Equal(t, []string{replies["last_empty"]}, runCommand(t, env, chanA, "!send_last"))
}

func TestCommand_SendLastData(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})
	require.Equal(t, []string{"!Nothing has been sent yet."}, runCommand(t, env, chanA, "!send_lastdata"))

	env.relay.dispatcher.now = func() time.Time { return time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC) }
	restore := newUUID
	newUUID = func() string { return "dispatch-1" }
	t.Cleanup(func() { newUUID = restore })

	seedConversation(t, env, chanB)

	out := runCommand(t, env, chanA, "!send_lastdata")
	require.Len(t, out, 1)
	require.Equal(t, "!Metadata of the last dispatch:\n"+
		"dispatch_id: dispatch-1\n"+
		"conversation: g1/22\n"+
		"model: gemini-test\n"+
		"prompt_token_count: 3\n"+
		"candidates_token_count: 2\n"+
		"total_token_count: 5\n"+
		"at: 2025-04-01T00:00:00Z", out[0])
}

func TestCommand_DoesNotTouchOtherChannels(t *testing.T) {
	env := newTestEnv(t, newFakeBackend("hi"), Options{})
	seedConversation(t, env, chanA)
	seedConversation(t, env, chanB)
	_, _, beforeB := env.state(chanB)

	runCommand(t, env, chanA, "!reset_chat")

	_, _, afterB := env.state(chanB)
	require.Equal(t, beforeB, afterB)
	require.Contains(t, env.store.transcripts, chanB)
	require.Empty(t, env.sender.filesFor(chanB))
}
