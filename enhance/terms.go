package enhance

// Static expansion tables for the five enhancement stages. Loaded once at
// process start as immutable package-level data; a redeploy is the only way
// they change.

// termGroups maps a Chinese/colloquial trigger to a group of English
// regulatory terms it expands to. Bilaterally indexed: an English trigger
// also expands to its group.
var termGroups = [][]string{
	{"救生筏", "liferaft", "life raft"},
	{"救生艇", "lifeboat"},
	{"救生衣", "lifejacket", "life jacket"},
	{"起降落设备", "降落设备", "davit-launched", "davit", "launching appliance"},
	{"消防", "fire-fighting", "firefighting", "fire safety"},
	{"烟雾探测", "smoke detector", "smoke detection"},
	{"灭火器", "fire extinguisher"},
	{"喷淋", "sprinkler", "sprinkler system"},
	{"舱壁", "bulkhead"},
	{"水密门", "watertight door"},
	{"稳性", "stability"},
	{"压载水", "ballast water"},
	{"油污水", "oily water", "oily bilge water"},
	{"压载舱", "ballast tank"},
	{"排放", "discharge"},
	{"垃圾管理", "garbage management"},
	{"污水", "sewage"},
	{"硫", "sulphur", "sulfur"},
	{"机舱", "engine room", "machinery space"},
	{"锅炉", "boiler"},
	{"应急发电机", "emergency generator"},
	{"舵机", "steering gear"},
	{"雷达", "radar"},
	{"自动识别系统", "ais", "automatic identification system"},
	{"电子海图", "ecdis", "electronic chart"},
	{"甲板", "deck"},
	{"干舷", "freeboard"},
	{"载重线", "load line"},
	{"吨位", "tonnage"},
	{"总吨", "gross tonnage"},
	{"集合站", "muster station"},
	{"疏散", "evacuation"},
	{"演习", "drill"},
	{"应急部署", "emergency muster", "muster list"},
	{"通风", "ventilation"},
	{"隔离", "segregation"},
	{"货物固定", "cargo securing"},
	{"防污底系统", "anti-fouling system"},
	{"压载水管理", "ballast water management"},
	{"温室气体", "greenhouse gas", "ghg"},
	{"能效", "energy efficiency"},
	{"船员配员", "manning", "crewing"},
	{"适任证书", "certificate of competency"},
	{"瞭望", "lookout"},
	{"避碰", "collision avoidance"},
	{"声光信号", "sound and light signals"},
	{"应急拖带", "emergency towing"},
	{"国际安全管理", "ism code", "safety management"},
	{"保安", "security", "isps"},
	{"船舶识别号", "imo number"},
	{"入级", "classification", "class"},
	{"年度检验", "annual survey"},
	{"中间检验", "intermediate survey"},
	{"换证检验", "renewal survey"},
	{"耐火", "fire resistance"},
	{"救生设备", "life-saving appliance", "lsa"},
}

// topicKeywordHints maps a topic trigger to the regulation identifiers it
// implies.
var topicKeywordHints = []struct {
	keywords []string
	hints    []string
}{
	{[]string{"liferaft", "life raft", "救生筏"}, []string{"SOLAS III", "LSA Code"}},
	{[]string{"lifeboat", "救生艇"}, []string{"SOLAS III", "LSA Code"}},
	{[]string{"fire", "消防", "smoke detector", "烟雾探测"}, []string{"SOLAS II-2", "FSS Code"}},
	{[]string{"discharge", "排放", "oily water", "油污水"}, []string{"MARPOL Annex I"}},
	{[]string{"garbage", "垃圾管理"}, []string{"MARPOL Annex V"}},
	{[]string{"sewage", "污水"}, []string{"MARPOL Annex IV"}},
	{[]string{"sulphur", "sulfur", "硫"}, []string{"MARPOL Annex VI"}},
	{[]string{"ballast water", "压载水"}, []string{"BWM Convention"}},
	{[]string{"stability", "稳性"}, []string{"SOLAS II-1"}},
	{[]string{"security", "isps", "保安"}, []string{"ISPS Code"}},
	{[]string{"safety management", "ism code", "国际安全管理"}, []string{"ISM Code"}},
	{[]string{"collision avoidance", "避碰"}, []string{"COLREG"}},
}

// shipTypeDomainHints fires when a ship type and a domain keyword co-occur.
var shipTypeDomainHints = []struct {
	shipType      string
	domainKeyword []string
	hints         []string
}{
	{"cargo ship", []string{"lsa", "life-saving", "liferaft", "救生筏", "life raft"}, []string{"SOLAS III/31", "SOLAS III/32"}},
	{"tanker", []string{"fire", "消防", "inert gas"}, []string{"SOLAS II-2/4.5", "SOLAS II-2/11"}},
	{"passenger ship", []string{"muster", "集合站", "evacuation", "疏散"}, []string{"SOLAS III/37"}},
	{"bulk carrier", []string{"structure", "结构", "stability", "稳性"}, []string{"SOLAS XII"}},
}

// lengthThresholds fires when the declared length crosses a named
// regulatory threshold and a matching domain keyword is present.
var lengthThresholds = []struct {
	minMeters     float64
	domainKeyword []string
	hints         []string
}{
	{85, []string{"lsa", "life-saving", "liferaft", "救生筏", "life raft"}, []string{"SOLAS III/31", "85 metres"}},
	{24, []string{"load line", "载重线", "freeboard", "干舷"}, []string{"Load Line Convention", "24 metres"}},
	{150, []string{"fire", "消防"}, []string{"SOLAS II-2/9.2", "150 metres"}},
	{500, []string{"ism", "国际安全管理", "safety management"}, []string{"ISM Code", "500 gross tonnage"}},
}

// sideTriggers and sideDomainHints drive bilateral/side detection: a side
// phrase alongside a domain keyword adds side-specific identifiers.
var sideTriggers = []string{"both sides", "each side", "两舷", "每舷", "两边", "两侧"}

var sideDomainHints = []struct {
	domainKeyword []string
	hints         []string
}{
	{[]string{"liferaft", "life raft", "救生筏", "davit", "起降落"}, []string{"SOLAS III/31.1.4", "each side"}},
	{[]string{"lifeboat", "救生艇"}, []string{"SOLAS III/11", "port and starboard"}},
	{[]string{"fire hose", "消防水带"}, []string{"FSS Code Ch. 11"}},
}
