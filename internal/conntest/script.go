package conntest

import "fmt"

// Script composes the inline produce/consume round trip for
// AWS-RunShellScript. The client host bakes the Kafka CLI and the IAM auth
// client properties at /opt/kafka during provisioning; the script exits
// nonzero unless the tagged message is read back.
func Script(bootstrap, topic, tag string) []string {
	return []string{
		"set -euo pipefail",
		"BIN=/opt/kafka/bin",
		"CFG=/opt/kafka/config/client-iam.properties",
		fmt.Sprintf("$BIN/kafka-topics.sh --bootstrap-server %s --command-config $CFG --create --if-not-exists --topic %s", bootstrap, topic),
		fmt.Sprintf("echo '%s' | $BIN/kafka-console-producer.sh --bootstrap-server %s --producer.config $CFG --topic %s", tag, bootstrap, topic),
		fmt.Sprintf("OUT=$($BIN/kafka-console-consumer.sh --bootstrap-server %s --consumer.config $CFG --topic %s --from-beginning --timeout-ms 60000 --max-messages 100 || true)", bootstrap, topic),
		`echo "$OUT"`,
		fmt.Sprintf(`case "$OUT" in *'%s'*) echo "ROUNDTRIP OK %s";; *) echo "ROUNDTRIP MISSING %s" >&2; exit 1;; esac`, tag, tag, tag),
	}
}
