package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const canonicalCritique = `共识别 20 个汉字（4 行 5 列）：飞,流,直,下,三,千,尺,疑,是,银,河,落,九,天,白,日,依,山,尽,黄
结构：73 分 | 笔画：71 分 | 综合：73 分
【重点点评】
1.「疑」（第3行第3列，综合 61 分）
结构（62 分）：左右失衡，"匕"偏高
笔画（60 分）：撇画软弱
建议：对照字帖临摹
【总评】整体有进步，继续努力！`

func TestParseWholePageCanonical(t *testing.T) {
	result := ParseWholePage(canonicalCritique, "task-abc123def456")

	assert.Equal(t, "task-abc123def456", result.TaskID)
	assert.Equal(t, 20, result.TotalCharacters)
	assert.Equal(t, 4, result.GridRows)
	assert.Equal(t, 5, result.GridCols)
	assert.Equal(t, 73, result.AvgStructureScore)
	assert.Equal(t, 71, result.AvgStrokeScore)
	assert.Equal(t, 73, result.AvgOverallScore)
	assert.Equal(t, "整体有进步，继续努力！", result.SummaryComment)
	assert.True(t, strings.HasPrefix(result.RecognizedChars, "飞,流,直"))

	require.Len(t, result.Analyses, 1)
	a := result.Analyses[0]
	assert.Equal(t, "疑", a.RecognizedChar)
	assert.Equal(t, 3, a.Row)
	assert.Equal(t, 3, a.Column)
	assert.Equal(t, 61, a.OverallScore)
	assert.Equal(t, 62, a.StructureScore)
	assert.Equal(t, 60, a.StrokeScore)
	assert.Equal(t, "对照字帖临摹", a.Suggestion)
	assert.Equal(t, `左右失衡，"匕"偏高`, a.StructureComment)
	assert.Equal(t, "撇画软弱", a.StrokeComment)
}

func TestParseWholePageIsIdempotent(t *testing.T) {
	first := ParseWholePage(canonicalCritique, "task-x")
	second := ParseWholePage(canonicalCritique, "task-x")
	assert.Equal(t, first, second)
}

func TestParseWholePageMissingOverviewKeepsZeroTotal(t *testing.T) {
	text := `【重点点评】
1.「永」（第1行第2列，综合 55 分）
结构（50 分）：重心偏右
建议：放慢书写
【总评】再接再厉`

	result := ParseWholePage(text, "task-y")

	assert.Equal(t, 0, result.TotalCharacters, "total must come from the overview line only")
	require.Len(t, result.Analyses, 1)
	assert.Equal(t, "永", result.Analyses[0].RecognizedChar)
	assert.Equal(t, 1, result.Analyses[0].Row)
	assert.Equal(t, 2, result.Analyses[0].Column)
	assert.Equal(t, "再接再厉", result.SummaryComment)
}

func TestParseWholePageOverviewWithoutGrid(t *testing.T) {
	text := "共识别 6 个汉字：永,和,九,年,春,色\n【总评】写得不错"

	result := ParseWholePage(text, "task-z")

	assert.Equal(t, 6, result.TotalCharacters)
	assert.Equal(t, 0, result.GridRows)
	assert.Equal(t, 0, result.GridCols)
	assert.Equal(t, "永,和,九,年,春,色", result.RecognizedChars)
}

func TestParseWholePageHeaderWithoutPosition(t *testing.T) {
	text := `共识别 3 个汉字：上,中,下
1.「中」写得偏斜，综合 58 分
笔画（55 分）：竖画不直`

	result := ParseWholePage(text, "task-w")

	require.Len(t, result.Analyses, 1)
	a := result.Analyses[0]
	assert.Equal(t, "中", a.RecognizedChar)
	assert.Equal(t, 0, a.Row)
	assert.Equal(t, 0, a.Column)
	assert.Equal(t, 58, a.OverallScore)
	assert.Equal(t, 55, a.StrokeScore)
	// Fields without a match keep their defaults.
	assert.Equal(t, 60, a.StructureScore)
	assert.Equal(t, "暂无分析", a.StructureComment)
	assert.Equal(t, "多加练习", a.Suggestion)
}

func TestParseWholePageEmptyInputAllDefaults(t *testing.T) {
	result := ParseWholePage("", "task-empty")

	assert.Equal(t, 0, result.TotalCharacters)
	assert.Equal(t, 60, result.AvgStructureScore)
	assert.Equal(t, 60, result.AvgStrokeScore)
	assert.Equal(t, 60, result.AvgOverallScore)
	assert.Equal(t, "继续加油练习！", result.SummaryComment)
	assert.Empty(t, result.Analyses)
}

func TestParseWholePageTruncatesLongSummary(t *testing.T) {
	text := "【总评】" + strings.Repeat("好", 300)
	result := ParseWholePage(text, "task-long")
	assert.Equal(t, 200, len([]rune(result.SummaryComment)))
}

func TestParseWholePageMultipleProblemChars(t *testing.T) {
	text := `共识别 8 个汉字（2 行 4 列）：山,川,日,月,水,火,木,土
结构：70 分 | 笔画：68 分 | 综合：69 分
【重点点评】
1.「川」（第1行第2列，综合 52 分）
结构（50 分）：三笔间距不均
笔画（54 分）：中竖过短
建议：注意竖画间距
2.「火」（第2行第2列，综合 57 分）
结构（58 分）：两点分得太开
笔画（56 分）：捺画无力
建议：收紧两点
【总评】继续保持练习节奏`

	result := ParseWholePage(text, "task-multi")

	require.Len(t, result.Analyses, 2)
	assert.Equal(t, 0, result.Analyses[0].CharIndex)
	assert.Equal(t, "川", result.Analyses[0].RecognizedChar)
	assert.Equal(t, "注意竖画间距", result.Analyses[0].Suggestion)
	assert.Equal(t, 1, result.Analyses[1].CharIndex)
	assert.Equal(t, "火", result.Analyses[1].RecognizedChar)
	assert.Equal(t, 57, result.Analyses[1].OverallScore)
	assert.Equal(t, "收紧两点", result.Analyses[1].Suggestion)
}

func TestParseSingleCharFull(t *testing.T) {
	text := `字：永
结构：82 分 | 笔画：78 分 | 重心：80 分 | 间架：75 分 | 综合：79 分
【结构分析】
间架结构匀称，比例得当。
【笔画分析】
起笔干净，收笔稍显仓促。
【重心分析】
重心居中稳定。
【间架分析】
部件位置关系合理。
【总评】
整体相当不错，是一手好字的雏形。
【练习建议】
每天练习捺画的收笔动作。`

	result := ParseSingleChar(text, "single-abc")

	assert.Equal(t, "single-abc", result.TaskID)
	assert.Equal(t, "永", result.RecognizedChar)
	assert.Equal(t, 82, result.StructureScore)
	assert.Equal(t, 78, result.StrokeScore)
	assert.Equal(t, 80, result.BalanceScore)
	assert.Equal(t, 75, result.SpacingScore)
	assert.Equal(t, 79, result.OverallScore)
	assert.Equal(t, "间架结构匀称，比例得当。", result.StructureDetail)
	assert.Equal(t, "起笔干净，收笔稍显仓促。", result.StrokeDetail)
	assert.Equal(t, "重心居中稳定。", result.BalanceDetail)
	assert.Equal(t, "部件位置关系合理。", result.SpacingDetail)
	assert.Equal(t, "整体相当不错，是一手好字的雏形。", result.OverallComment)
	assert.Equal(t, "每天练习捺画的收笔动作。", result.Suggestion)
}

func TestParseSingleCharDefaults(t *testing.T) {
	result := ParseSingleChar("完全不符合模板的输出", "single-def")

	assert.Equal(t, "?", result.RecognizedChar)
	assert.Equal(t, 60, result.StructureScore)
	assert.Equal(t, 60, result.StrokeScore)
	assert.Equal(t, 60, result.BalanceScore)
	assert.Equal(t, 60, result.SpacingScore)
	assert.Equal(t, 60, result.OverallScore)
	assert.Empty(t, result.StructureDetail)
}

func TestParseSingleCharTruncatesSections(t *testing.T) {
	text := "字：大\n【结构分析】\n" + strings.Repeat("析", 600) + "\n【总评】\n不错"
	result := ParseSingleChar(text, "single-trunc")

	assert.Equal(t, 500, len([]rune(result.StructureDetail)))
	assert.Equal(t, "不错", result.OverallComment)
}
